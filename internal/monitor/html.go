package monitor

const indexHTML = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1.0" />
  <title>Target Relay Monitor</title>
  <style>
    :root {
      --bg: #111418;
      --panel: #1b2027;
      --text: #e6e9ee;
      --muted: #8a93a0;
      --ok: #2ecc71;
      --warn: #f1c40f;
      --err: #e74c3c;
      --accent: #0064ff;
    }
    * { box-sizing: border-box; }
    body {
      margin: 0;
      font-family: system-ui, -apple-system, "Segoe UI", sans-serif;
      background: var(--bg);
      color: var(--text);
    }
    header {
      padding: 12px 20px;
      border-bottom: 1px solid #2a313b;
      display: flex;
      justify-content: space-between;
      align-items: center;
    }
    main {
      display: grid;
      grid-template-columns: minmax(0, 1fr) 320px;
      gap: 16px;
      padding: 16px 20px;
    }
    @media (max-width: 860px) { main { grid-template-columns: 1fr; } }
    .panel { background: var(--panel); border-radius: 8px; padding: 14px; }
    .panel h2 { margin: 0 0 10px; font-size: 14px; color: var(--muted); text-transform: uppercase; }
    #overlay { width: 100%; image-rendering: pixelated; background: #000; border-radius: 6px; }
    button {
      background: #2a313b; color: var(--text); border: 0; border-radius: 6px;
      padding: 8px 12px; margin: 0 6px 6px 0; cursor: pointer;
    }
    button.primary { background: var(--accent); }
    button:disabled { opacity: 0.5; cursor: default; }
    .row { display: flex; justify-content: space-between; margin: 4px 0; font-size: 13px; }
    .row span:first-child { color: var(--muted); }
    .ok { color: var(--ok); }
    .warn { color: var(--warn); }
    .err { color: var(--err); }
    #sent { font-family: ui-monospace, monospace; font-size: 14px; margin-top: 8px; }
    #labels { display: flex; flex-wrap: wrap; gap: 4px; max-height: 220px; overflow-y: auto; }
    #labels label { font-size: 12px; background: #232932; padding: 3px 6px; border-radius: 4px; }
    #error { min-height: 18px; font-size: 13px; }
  </style>
</head>
<body>
  <header>
    <strong>Target Relay Monitor</strong>
    <span id="link-state" class="warn">link: -</span>
  </header>
  <main>
    <section class="panel">
      <img id="overlay" src="/stream" alt="overlay stream" />
      <div id="sent">Sent: -</div>
    </section>
    <aside>
      <div class="panel">
        <h2>Controls</h2>
        <button id="connect">Connect link</button>
        <button id="disconnect">Disconnect</button><br />
        <button id="start" class="primary">Start detection</button>
        <button id="stop">Stop</button><br />
        <button id="switch">Switch camera</button>
        <div id="error" class="err"></div>
      </div>
      <div class="panel" style="margin-top: 16px">
        <h2>Settings</h2>
        <div class="row">
          <span>Threshold</span>
          <span><input id="threshold" type="range" min="0" max="100" step="1" /> <b id="threshold-value">-</b>%</span>
        </div>
        <div class="row">
          <span>Mirror</span>
          <select id="mirror">
            <option value="auto">auto</option>
            <option value="on">on</option>
            <option value="off">off</option>
          </select>
        </div>
        <div id="labels"></div>
      </div>
      <div class="panel" style="margin-top: 16px">
        <h2>Status</h2>
        <div class="row"><span>Model</span><span id="model">-</span></div>
        <div class="row"><span>Detection</span><span id="active">-</span></div>
        <div class="row"><span>Camera</span><span id="camera">-</span></div>
        <div class="row"><span>Qualifying</span><span id="qualifying">-</span></div>
        <div class="row"><span>Sent / dropped / failed</span><span id="counts">-</span></div>
      </div>
    </aside>
  </main>
  <script>
    const $ = (id) => document.getElementById(id);
    let allowList = [];

    async function call(method, path, body) {
      const opts = { method, headers: {} };
      if (body !== undefined) {
        opts.headers["Content-Type"] = "application/json";
        opts.body = JSON.stringify(body);
      }
      const resp = await fetch(path, opts);
      const data = await resp.json().catch(() => ({}));
      $("error").textContent = resp.ok ? "" : (data.error || resp.statusText);
      return data;
    }

    function renderStatus(payload) {
      const st = payload.status || {};
      const m = payload.metrics || {};
      $("link-state").textContent = "link: " + (st.link || "-") + (st.link_connected ? " (connected)" : " (down)");
      $("link-state").className = st.link_connected ? "ok" : "warn";
      $("model").textContent = st.model_error ? "failed" : (st.model_ready ? (st.detector || "ready") : "loading...");
      $("model").className = st.model_error ? "err" : (st.model_ready ? "ok" : "warn");
      $("active").textContent = st.detection_active ? "active" : "idle";
      $("camera").textContent = st.switching ? "switching..." :
        (st.facing || "-") + (st.mirrored ? " (mirrored)" : "") +
        (st.source_ready ? " " + st.source.width + "x" + st.source.height : " (not ready)");
      $("qualifying").textContent = st.qualifying_count + " / " + st.detections;
      $("counts").textContent = (m.messages_sent || 0) + " / " + (m.messages_dropped || 0) + " / " + (m.messages_failed || 0);
      $("start").disabled = !st.model_ready || st.detection_active;
      $("stop").disabled = !st.detection_active;
      if (document.activeElement !== $("threshold")) {
        $("threshold").value = st.threshold_percent;
      }
      $("threshold-value").textContent = st.threshold_percent;
      $("mirror").value = st.mirror;
      allowList = st.allow_list || [];
      document.querySelectorAll("#labels input").forEach((el) => {
        el.checked = allowList.includes(el.value);
      });
    }

    function renderTransmission(tx) {
      $("sent").textContent = "Sent: " + (tx.stop ? "none (stop)" : tx.text) + " [" + tx.outcome + "]";
      $("sent").className = tx.stop ? "" : "ok";
    }

    async function loadLabels() {
      const data = await call("GET", "/api/labels");
      const box = $("labels");
      box.innerHTML = "";
      (data.labels || []).filter((l) => l && l !== "n/a").forEach((label) => {
        const el = document.createElement("label");
        const input = document.createElement("input");
        input.type = "checkbox";
        input.value = label;
        input.checked = allowList.includes(label);
        input.onchange = () => call("PUT", "/api/config",
          input.checked ? { add_labels: [label] } : { remove_labels: [label] });
        el.appendChild(input);
        el.appendChild(document.createTextNode(" " + label));
        box.appendChild(el);
      });
    }

    $("connect").onclick = () => call("POST", "/api/link/connect");
    $("disconnect").onclick = () => call("POST", "/api/link/disconnect");
    $("start").onclick = () => call("POST", "/api/detection/start");
    $("stop").onclick = () => call("POST", "/api/detection/stop");
    $("switch").onclick = () => call("POST", "/api/camera/switch");
    $("threshold").onchange = (e) => call("PUT", "/api/config", { threshold_percent: Number(e.target.value) });
    $("mirror").onchange = (e) => call("PUT", "/api/config", { mirror: e.target.value });

    new EventSource("/api/status/stream").onmessage = (e) => renderStatus(JSON.parse(e.data));
    new EventSource("/api/transmissions/stream").onmessage = (e) => renderTransmission(JSON.parse(e.data));
    call("GET", "/api/status").then((s) => { renderStatus(s); loadLabels(); });
  </script>
</body>
</html>
`
