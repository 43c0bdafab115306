package httpapi

import (
	"fmt"
	"net/http"
)

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>crmsync</title>
  <style>
    :root {
      --ink: #14202b;
      --paper: #f5f6f1;
      --card: #ffffff;
      --line: #d5d9cf;
      --accent: #2a7f62;
      --warn: #c47a1d;
      --danger: #b8433b;
      --muted: #6b7680;
    }
    * { box-sizing: border-box; }
    body { margin: 0; padding: 20px; font-family: "Avenir Next", "Segoe UI", sans-serif; color: var(--ink); background: var(--paper); }
    .shell { max-width: 1200px; margin: 0 auto; display: grid; gap: 14px; }
    .bar, .panel { background: var(--card); border: 1px solid var(--line); border-radius: 14px; padding: 14px; }
    .bar { display: flex; flex-wrap: wrap; gap: 10px; align-items: center; }
    h1 { margin: 0 12px 0 0; font-size: 1.4rem; }
    h2 { margin: 0 0 10px; font-size: 1rem; }
    input, button { font: inherit; padding: 6px 10px; border: 1px solid var(--line); border-radius: 8px; }
    button { background: var(--accent); color: #fff; border: none; cursor: pointer; }
    .grid { display: grid; gap: 14px; grid-template-columns: repeat(auto-fit, minmax(320px, 1fr)); }
    .stats { display: flex; gap: 10px; flex-wrap: wrap; }
    .stat { flex: 1; min-width: 90px; border: 1px solid var(--line); border-radius: 10px; padding: 8px; }
    .stat b { display: block; font-size: 1.4rem; }
    table { width: 100%; border-collapse: collapse; font-size: 0.85rem; }
    th, td { text-align: left; padding: 4px 6px; border-bottom: 1px solid var(--line); }
    .mono { font-family: "JetBrains Mono", monospace; }
    .muted { color: var(--muted); }
    .err { color: var(--danger); }
    #feed { max-height: 260px; overflow: auto; margin: 0; padding-left: 18px; font-size: 0.85rem; }
  </style>
</head>
<body>
  <main class="shell">
    <header class="bar">
      <h1>crmsync</h1>
      <input id="workspace" placeholder="workspace id" />
      <input id="token" placeholder="bearer token" size="40" />
      <button id="refresh">Refresh</button>
      <span id="status" class="muted"></span>
    </header>

    <section class="panel">
      <h2>Queue</h2>
      <div id="depth" class="stats"></div>
    </section>

    <section class="grid">
      <article class="panel">
        <h2>Pending Conflicts</h2>
        <table>
          <thead><tr><th>Entity</th><th>Fields</th><th>Created</th></tr></thead>
          <tbody id="conflicts"></tbody>
        </table>
      </article>
      <article class="panel">
        <h2>Recent Failures</h2>
        <table>
          <thead><tr><th>Entity</th><th>Op</th><th>Attempts</th><th>Error</th></tr></thead>
          <tbody id="failures"></tbody>
        </table>
      </article>
    </section>

    <section class="grid">
      <article class="panel">
        <h2>Daily Metrics</h2>
        <table>
          <thead><tr><th>Day</th><th>Type</th><th>Succeeded</th><th>Failed</th><th>Conflicts</th><th>Avg ms</th></tr></thead>
          <tbody id="metrics"></tbody>
        </table>
      </article>
      <article class="panel">
        <h2>Live Events</h2>
        <ul id="feed" class="mono"></ul>
      </article>
    </section>
  </main>

  <script>
    (function () {
      const dom = {
        workspace: document.getElementById("workspace"),
        token: document.getElementById("token"),
        refresh: document.getElementById("refresh"),
        status: document.getElementById("status"),
        depth: document.getElementById("depth"),
        conflicts: document.getElementById("conflicts"),
        failures: document.getElementById("failures"),
        metrics: document.getElementById("metrics"),
        feed: document.getElementById("feed"),
      };
      let socket = null;

      function base() {
        return "/v1/workspaces/" + encodeURIComponent(dom.workspace.value.trim()) + "/sync";
      }

      function cell(text, cls) {
        const td = document.createElement("td");
        td.textContent = text == null ? "" : String(text);
        if (cls) td.className = cls;
        return td;
      }

      function row(tbody, cells) {
        const tr = document.createElement("tr");
        cells.forEach(function (c) { tr.appendChild(c); });
        tbody.appendChild(tr);
      }

      async function get(path) {
        const resp = await fetch(base() + path, { headers: { Authorization: "Bearer " + dom.token.value.trim() } });
        if (!resp.ok) {
          const body = await resp.json().catch(function () { return {}; });
          throw new Error(body.message || resp.statusText);
        }
        return resp.json();
      }

      async function refresh() {
        try {
          const [queue, conflicts, failures, metrics] = await Promise.all([
            get("/queue"), get("/conflicts?status=pending"), get("/failures"), get("/metrics"),
          ]);
          dom.depth.textContent = "";
          Object.keys(queue.depth || {}).sort().forEach(function (status) {
            const div = document.createElement("div");
            div.className = "stat";
            div.innerHTML = "<b></b><span class=muted></span>";
            div.firstChild.textContent = queue.depth[status];
            div.lastChild.textContent = status;
            dom.depth.appendChild(div);
          });
          dom.conflicts.textContent = "";
          conflicts.items.forEach(function (c) {
            const fields = (c.diffs || []).filter(function (d) { return d.conflicting; }).map(function (d) { return d.field; });
            row(dom.conflicts, [cell(c.entityType + "/" + c.entityId, "mono"), cell(fields.join(", ")), cell(c.createdAt, "muted")]);
          });
          dom.failures.textContent = "";
          failures.items.forEach(function (f) {
            row(dom.failures, [cell(f.entityType + "/" + f.entityId, "mono"), cell(f.operation), cell(f.attempts), cell(f.lastError, "err")]);
          });
          dom.metrics.textContent = "";
          metrics.items.forEach(function (m) {
            row(dom.metrics, [cell(m.day), cell(m.entityType), cell(m.succeeded), cell(m.failed), cell(m.conflicts), cell(Math.round(m.avgLatencyMs))]);
          });
          dom.status.textContent = "updated " + new Date().toLocaleTimeString();
          dom.status.className = "muted";
        } catch (err) {
          dom.status.textContent = err.message;
          dom.status.className = "err";
        }
      }

      function connect() {
        if (socket) socket.close();
        const proto = window.location.protocol === "https:" ? "wss://" : "ws://";
        socket = new WebSocket(proto + window.location.host + base() + "/stream?access_token=" + encodeURIComponent(dom.token.value.trim()));
        socket.onmessage = function (msg) {
          const event = JSON.parse(msg.data);
          const li = document.createElement("li");
          li.textContent = [event.kind, event.entityType, event.entityId, event.status, event.error].filter(Boolean).join(" ");
          dom.feed.insertBefore(li, dom.feed.firstChild);
          while (dom.feed.children.length > 200) dom.feed.removeChild(dom.feed.lastChild);
        };
      }

      dom.refresh.addEventListener("click", function () {
        window.localStorage.setItem("crmsync_workspace", dom.workspace.value.trim());
        window.localStorage.setItem("crmsync_token", dom.token.value.trim());
        refresh();
        connect();
      });
      dom.workspace.value = window.localStorage.getItem("crmsync_workspace") || "";
      dom.token.value = window.localStorage.getItem("crmsync_token") || "";
      setInterval(refresh, 10000);
      if (dom.workspace.value && dom.token.value) {
        refresh();
        connect();
      } else {
        dom.status.textContent = "enter workspace and token to start";
      }
    })();
  </script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, dashboardHTML)
}
