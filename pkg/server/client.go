package server

import (
	"net/http"
	"strconv"
)

// HeadSnippet returns the script tag pages include to load the client
// runtime.
func HeadSnippet() string {
	return `<script src="/_psui/client.js" defer></script>`
}

func (s *Server) handleClientScript(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	w.Header().Set("Cache-Control", "public, max-age=300")
	w.Header().Set("Content-Length", strconv.Itoa(len(clientScript)))
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(clientScript))
}

// clientScript is the browser runtime: it connects the push channel,
// applies patches by swap kind, reports dead targets, and provides the
// __post/__submit/__load dispatch helpers referenced from rendered
// attributes.
const clientScript = `(function(){
    'use strict';
    if (window.__psui) { return; }

    var wsPath = '/_psui/ws';
    var pollEndpoint = '/_psui/patch';
    var invalidEndpoint = '/_psui/invalid';
    var pollInterval = 1500;

    var socket = null;
    var reconnectTimer = 0;
    var retry = 0;
    var pollTimer = 0;

    function notifyInvalid(id){
        if (!id) { return; }
        try {
            fetch(invalidEndpoint, {
                method: 'POST',
                headers: { 'Content-Type': 'application/json' },
                body: JSON.stringify({ type: 'invalid', id: id })
            });
        } catch(_) { }
        try {
            if (socket && socket.readyState === 1) {
                socket.send(JSON.stringify({ type: 'invalid', id: id }));
            }
        } catch(_) { }
    }

    function runScripts(container){
        try {
            var scripts = [].slice.call(container.querySelectorAll('script'));
            for (var i=0;i<scripts.length;i++) {
                var s = document.createElement('script');
                s.textContent = scripts[i].textContent;
                document.body.appendChild(s);
            }
        } catch(_) { }
    }

    function applyPatch(patch){
        if (!patch) { return; }
        var id = String(patch.id || '');
        if (!id) { return; }
        var swap = String(patch.swap || 'inline');
        var html = String(patch.html || '');
        if (swap === 'none') { return; }
        var el = document.getElementById(id);
        if (!el) {
            notifyInvalid(id);
            return;
        }
        try {
            if (swap === 'inline') { el.innerHTML = html; }
            else if (swap === 'outline') { el.outerHTML = html; }
            else if (swap === 'append') { el.insertAdjacentHTML('beforeend', html); }
            else if (swap === 'prepend') { el.insertAdjacentHTML('afterbegin', html); }
        } catch(_) { }
    }

    function applyPatches(list){
        if (!Array.isArray(list)) { return; }
        for (var i=0;i<list.length;i++) {
            applyPatch(list[i]);
        }
    }

    function handleMessage(event){
        if (!event || !event.data) { return; }
        var data = null;
        try { data = JSON.parse(event.data); } catch(_) { return; }
        if (!data) { return; }
        var type = String(data.type || '');
        if (type === 'patch') {
            applyPatches(data.patches || []);
            return;
        }
        if (type === 'reload') {
            try {
                if (socket && socket.readyState === 1) {
                    socket.send(JSON.stringify({ type: 'reload-ack' }));
                }
            } catch(_) { }
            try { window.location.reload(); } catch(_) { }
        }
    }

    function poll(){
        try {
            fetch(pollEndpoint, { method: 'GET', headers: { 'Accept': 'application/json' } })
                .then(function(resp){ if(!resp.ok) throw new Error('HTTP '+resp.status); return resp.json(); })
                .then(function(data){
                    if (!data) { return; }
                    applyPatches(data.patches || []);
                })
                .catch(function(){});
        } catch(_) { }
    }

    function startPolling(){
        if (pollTimer) { return; }
        poll();
        pollTimer = setInterval(poll, pollInterval);
    }

    function stopPolling(){
        if (!pollTimer) { return; }
        try { clearInterval(pollTimer); } catch(_) { }
        pollTimer = 0;
    }

    function cleanupSocket(){
        if (!socket) { return; }
        try {
            socket.onopen = null;
            socket.onmessage = null;
            socket.onclose = null;
            socket.onerror = null;
        } catch(_) { }
        socket = null;
    }

    function scheduleReconnect(){
        if (reconnectTimer) { return; }
        var attempt = retry;
        retry = Math.min(retry + 1, 6);
        var delay = Math.min(1200 * Math.pow(2, attempt), 10000);
        reconnectTimer = setTimeout(function(){
            reconnectTimer = 0;
            connect();
        }, delay);
    }

    function connect(){
        var proto = 'ws';
        try { proto = window.location.protocol === 'https:' ? 'wss' : 'ws'; } catch(_) { }
        var host = '';
        try { host = window.location.host || ''; } catch(_) { }
        if (!host) {
            startPolling();
            return;
        }
        var url = proto + '://' + host + wsPath;
        try {
            var ws = new WebSocket(url);
            socket = ws;
            ws.onopen = function(){
                retry = 0;
                stopPolling();
                poll();
            };
            ws.onmessage = handleMessage;
            ws.onerror = function(){
                cleanupSocket();
                scheduleReconnect();
                startPolling();
            };
            ws.onclose = function(){
                cleanupSocket();
                scheduleReconnect();
                startPolling();
            };
        } catch(_) {
            scheduleReconnect();
            startPolling();
        }
    }

    function encodeBody(items){
        var params = new URLSearchParams();
        for (var i=0;i<(items||[]).length;i++) {
            var it = items[i];
            if (!it || !it.name) { continue; }
            params.append(it.name, it.value == null ? '' : String(it.value));
        }
        return params.toString();
    }

    function swapInto(targetID, swap, html){
        if (swap === 'none' || !targetID) { return; }
        var target = document.getElementById(targetID);
        if (!target) { return; }
        if (swap === 'inline') { target.innerHTML = html; }
        else if (swap === 'outline') { target.outerHTML = html; }
        else if (swap === 'append') { target.insertAdjacentHTML('beforeend', html); }
        else if (swap === 'prepend') { target.insertAdjacentHTML('afterbegin', html); }
    }

    function toast(message, tone){
        try {
            var box = document.createElement('div');
            box.textContent = message;
            box.setAttribute('data-psui-toast', tone || 'blue');
            box.style.cssText = 'position:fixed;bottom:16px;right:16px;z-index:9999;' +
                'padding:10px 16px;border-radius:6px;color:#fff;font:14px sans-serif;' +
                'background:' + (tone === 'red' ? '#c0392b' : tone === 'green' ? '#27ae60' : '#2c6fbb') + ';';
            document.body.appendChild(box);
            setTimeout(function(){
                try { box.remove(); } catch(_) { }
            }, 4000);
        } catch(_) {
            try { alert(message || ''); } catch(__) { }
        }
    }

    window.__post = function(event, swap, targetID, path, body){
        try { if (event && event.preventDefault) { event.preventDefault(); } } catch(_) { }
        var data = (body || []).slice();
        fetch(path, {
            method: 'POST',
            headers: { 'Content-Type': 'application/x-www-form-urlencoded' },
            body: encodeBody(data)
        })
            .then(function(resp){
                var respSwap = resp.headers.get('X-Psui-Swap') || swap;
                var respTarget = resp.headers.get('X-Psui-Target') || targetID;
                return resp.text().then(function(html){
                    return { ok: resp.ok, swap: respSwap, target: respTarget, html: html };
                });
            })
            .then(function(out){
                var doc = new DOMParser().parseFromString(out.html, 'text/html');
                runScripts(doc);
                if (out.ok) {
                    swapInto(out.target, out.swap, out.html);
                } else {
                    toast('Something went wrong', 'red');
                }
            })
            .catch(function(){
                toast('Something went wrong', 'red');
            });
        return false;
    };

    window.__submit = function(event, swap, targetID, path, body){
        try { if (event && event.preventDefault) { event.preventDefault(); } } catch(_) { }
        var form = event.currentTarget || event.target;
        var data = [];
        if (form && form.elements) {
            for (var i=0;i<form.elements.length;i++) {
                var el = form.elements[i];
                if (!el.name) { continue; }
                var type = (el.type || '').toLowerCase();
                if (type === 'checkbox') {
                    data.push({ name: el.name, value: el.checked ? 'true' : 'false' });
                } else {
                    data.push({ name: el.name, value: el.value || '' });
                }
            }
        }
        Array.prototype.push.apply(data, (body || []).slice());
        return window.__post(event, swap, targetID, path, data);
    };

    window.__load = function(event, href){
        try { if (event && event.preventDefault) { event.preventDefault(); } } catch(_) { }
        fetch(href, { method: 'GET' })
            .then(function(resp){ if(!resp.ok) throw new Error('HTTP '+resp.status); return resp.text(); })
            .then(function(html){
                var doc = new DOMParser().parseFromString(html, 'text/html');
                document.title = doc.title;
                document.body.innerHTML = doc.body.innerHTML;
                runScripts(doc);
                try { window.history.pushState({}, doc.title, href); } catch(_) { }
                try { window.scrollTo(0, 0); } catch(_) { }
            })
            .catch(function(){
                toast('Something went wrong', 'red');
            });
        return false;
    };

    window.__psui = {
        apply: applyPatch,
        poll: poll,
        toast: toast,
        notifyInvalid: notifyInvalid
    };

    connect();
    startPolling();
})();
`
