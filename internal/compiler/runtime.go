package compiler

// RuntimeScript returns the in-context micro-runtime. It installs
// window.__MODULE_BRIDGE__, which correlates requests with responses over
// postMessage, answers heartbeats, relays settings and theme pushes, and
// reports uncaught errors to the host.
//
// The runtime reads its configuration from window.__MODULE_CONFIG__, which
// the host injects per session (see InjectConfig).
func RuntimeScript() string {
	return runtimeJS
}

// MountScript locates the module's exported component under the
// conventional names and hands it to the runtime.
func MountScript() string {
	return mountJS
}

// DefaultRequestTimeoutMs is the per-request timeout used when the host
// does not configure one
const DefaultRequestTimeoutMs = 30000

const runtimeJS = `(function (global) {
  "use strict";
  if (global.__MODULE_BRIDGE__) { return; }

  var config = global.__MODULE_CONFIG__ || {};
  var moduleId = config.moduleId || "";
  var timeoutMs = config.timeoutMs || 30000;
  var state = {
    settings: config.settings || {},
    theme: config.theme || null,
    ready: false
  };
  var pending = new Map();
  var seq = 0;
  var settingsListeners = [];
  var themeListeners = [];
  var eventListeners = new Map();

  function BridgeError(message, code, details) {
    this.name = "BridgeError";
    this.message = message || "Bridge request failed";
    this.code = code || "INTERNAL_ERROR";
    this.details = details || null;
  }
  BridgeError.prototype = Object.create(Error.prototype);
  BridgeError.prototype.constructor = BridgeError;

  function post(type, payload, requestId) {
    var msg = { type: type, moduleId: moduleId, timestamp: Date.now() };
    if (requestId) { msg.requestId = requestId; }
    if (payload !== undefined) { msg.payload = payload; }
    global.parent.postMessage(msg, "*");
  }

  function nextId() {
    seq += 1;
    return "req_" + Date.now().toString(36) + "_" + seq.toString(36);
  }

  function request(type, payload) {
    return new Promise(function (resolve, reject) {
      var requestId = nextId();
      var timer = setTimeout(function () {
        if (pending.has(requestId)) {
          pending.delete(requestId);
          reject(new BridgeError("Request " + type + " timed out after " + timeoutMs + "ms", "TIMEOUT"));
        }
      }, timeoutMs);
      pending.set(requestId, { resolve: resolve, reject: reject, timer: timer, type: type });
      post("BRIDGE_REQUEST", { type: type, payload: payload || {} }, requestId);
    });
  }

  function settle(msg) {
    var entry = pending.get(msg.requestId);
    if (!entry) { return; }
    pending.delete(msg.requestId);
    clearTimeout(entry.timer);
    var inner = msg.payload || {};
    var result = inner.payload || inner;
    if (result.success) {
      entry.resolve(result.data);
    } else {
      entry.reject(new BridgeError(result.error, result.errorCode, result.details));
    }
  }

  function notify(list, value) {
    for (var i = 0; i < list.length; i++) {
      try { list[i](value); } catch (err) { reportError(err); }
    }
  }

  function onMessage(event) {
    var msg = event && event.data;
    if (!msg || typeof msg.type !== "string") { return; }
    if (msg.moduleId && msg.moduleId !== moduleId) { return; }
    switch (msg.type) {
      case "BRIDGE_RESPONSE":
        settle(msg);
        break;
      case "HEARTBEAT":
        post("HEARTBEAT_ACK", undefined, msg.requestId);
        break;
      case "SETTINGS_CHANGED":
        state.settings = (msg.payload && msg.payload.settings) || {};
        notify(settingsListeners, state.settings);
        break;
      case "THEME_CHANGED":
        state.theme = (msg.payload && msg.payload.theme) || null;
        notify(themeListeners, state.theme);
        break;
      case "EVENT_RECEIVED":
        var name = msg.payload && msg.payload.eventName;
        notify(eventListeners.get(name) || [], msg.payload);
        break;
    }
  }

  function reportError(err) {
    var message = (err && err.message) || String(err);
    var stack = (err && err.stack) || "";
    post("MODULE_ERROR", { message: message, stack: stack });
  }

  function toBase64(content) {
    if (typeof content === "string") {
      return global.btoa(unescape(encodeURIComponent(content)));
    }
    var bytes = content instanceof ArrayBuffer ? new Uint8Array(content) : content;
    var binary = "";
    for (var i = 0; i < bytes.length; i++) { binary += String.fromCharCode(bytes[i]); }
    return global.btoa(binary);
  }

  var bridge = {
    request: request,
    BridgeError: BridgeError,
    get moduleId() { return moduleId; },
    get settings() { return state.settings; },
    get theme() { return state.theme; },

    api: function (method, path, body, options) {
      options = options || {};
      return request("API_REQUEST", {
        method: method, path: path, body: body,
        query: options.query, secretHeaders: options.secretHeaders
      });
    },
    getData: function (dataKey) {
      return request("DB_QUERY", { dataKey: dataKey }).then(function (data) {
        var records = (data && data.records) || [];
        return records.length ? records[0].value : null;
      });
    },
    setData: function (dataKey, value) {
      return request("DB_UPSERT", { dataKey: dataKey, value: value }).then(function (data) {
        return data && data.record;
      });
    },
    deleteData: function (dataKey) {
      return request("DB_DELETE", { dataKey: dataKey });
    },
    getSettings: function () {
      return request("SETTINGS_GET", {}).then(function (data) {
        state.settings = (data && data.settings) || {};
        return state.settings;
      });
    },
    setSettings: function (settings) {
      return request("SETTINGS_SET", { settings: settings });
    },
    uploadFile: function (path, content, contentType, overwrite) {
      return request("STORAGE_UPLOAD", {
        path: path, content: toBase64(content),
        contentType: contentType, overwrite: !!overwrite
      });
    },
    emit: function (eventName, payload, targetModuleId) {
      return request("EVENT_EMIT", { eventName: eventName, payload: payload, targetModuleId: targetModuleId });
    },
    on: function (eventName, listener) {
      var list = eventListeners.get(eventName);
      if (!list) { list = []; eventListeners.set(eventName, list); }
      list.push(listener);
      var subscribed = request("EVENT_SUBSCRIBE", { eventName: eventName });
      return function () {
        var idx = list.indexOf(listener);
        if (idx >= 0) { list.splice(idx, 1); }
        if (!list.length) {
          eventListeners.delete(eventName);
          return subscribed.then(function () { return request("EVENT_UNSUBSCRIBE", { eventName: eventName }); });
        }
        return subscribed;
      };
    },
    onSettingsChange: function (listener) { settingsListeners.push(listener); },
    onThemeChange: function (listener) { themeListeners.push(listener); },
    getContext: function () { return request("GET_CONTEXT", {}); },
    navigate: function (path) { return request("NAVIGATE", { path: path }); },
    showToast: function (message, variant) { return request("SHOW_TOAST", { message: message, variant: variant }); },
    openModal: function (title, content) { return request("OPEN_MODAL", { title: title, content: content }); },
    closeModal: function () { return request("CLOSE_MODAL", {}); },
    asset: function (path) {
      if (typeof document === "undefined") { return null; }
      var nodes = document.querySelectorAll("script[data-module-asset]");
      for (var i = 0; i < nodes.length; i++) {
        if (nodes[i].getAttribute("data-module-asset") === path) { return JSON.parse(nodes[i].textContent); }
      }
      return null;
    },
    resize: function (height, width) { post("MODULE_RESIZE", { height: height, width: width }); },
    reportError: reportError,
    ready: function () {
      if (state.ready) { return; }
      state.ready = true;
      post("MODULE_READY", { moduleId: moduleId });
    },
    mount: function (Component, env) {
      env = env || {};
      var root = typeof document !== "undefined" ? document.getElementById("module-root") : null;
      try {
        if (Component && typeof Component.mount === "function") {
          Component.mount(root, bridge);
        } else if (typeof Component === "function" && env.React && env.createRoot && root) {
          env.createRoot(root).render(env.React.createElement(Component, { bridge: bridge, settings: state.settings }));
        } else if (typeof Component === "function") {
          var out = Component({ root: root, bridge: bridge, settings: state.settings });
          if (root && typeof out === "string") { root.innerHTML = out; }
          else if (root && out && out.nodeType) { root.appendChild(out); }
        }
      } catch (err) {
        reportError(err);
      }
      bridge.ready();
    }
  };

  global.addEventListener("message", onMessage);
  global.addEventListener("error", function (event) { reportError((event && event.error) || event); });
  global.addEventListener("unhandledrejection", function (event) { reportError(event && event.reason); });
  global.__MODULE_BRIDGE__ = bridge;
})(typeof window !== "undefined" ? window : this);
`

const mountJS = `(function () {
  var exp = __MODULE_EXPORTS__;
  var names = ["default", "Module", "App", "Component", "Widget", "Main"];
  var Component = null;
  for (var i = 0; i < names.length && !Component; i++) { Component = exp[names[i]] || null; }
  __MODULE_BRIDGE__.mount(Component, {
    React: typeof __React !== "undefined" ? __React : null,
    createRoot: typeof __ReactDOMClient !== "undefined" ? __ReactDOMClient.createRoot : null
  });
})();
`
