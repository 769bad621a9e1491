// Package dev provides development-mode conveniences: a polling file
// watcher and an autoreload bridge that broadcasts a page reload to
// connected sessions when source files change.
package dev
