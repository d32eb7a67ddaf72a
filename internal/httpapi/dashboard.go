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
  <title>Sheet Mirror Admin</title>
  <style>
    :root {
      --ink: #102223;
      --paper: #f8f4ea;
      --card: #fffdf9;
      --line: #d7cbb3;
      --accent: #1f9d88;
      --danger: #c2483f;
      --muted: #6f7d7d;
    }
    * { box-sizing: border-box; }
    body {
      margin: 0;
      padding: 20px;
      font-family: "Avenir Next", "Segoe UI", sans-serif;
      color: var(--ink);
      background: var(--paper);
    }
    .shell { max-width: 1200px; margin: 0 auto; display: grid; gap: 12px; }
    .card { background: var(--card); border: 1px solid var(--line); border-radius: 14px; padding: 14px; }
    .row { display: flex; gap: 8px; align-items: center; flex-wrap: wrap; }
    input { flex: 1; min-width: 240px; padding: 8px; border: 1px solid var(--line); border-radius: 8px; }
    button, a.button {
      padding: 8px 12px; border: 0; border-radius: 8px; background: var(--accent);
      color: #fff; cursor: pointer; text-decoration: none; font-size: 0.9rem;
    }
    table { width: 100%; border-collapse: collapse; font-size: 0.85rem; }
    th, td { text-align: left; padding: 6px; border-bottom: 1px solid var(--line); }
    tr.active td { font-weight: 600; }
    tr.pick { cursor: pointer; }
    #status.err { color: var(--danger); }
    #feed { max-height: 220px; overflow: auto; font-family: ui-monospace, monospace; font-size: 0.8rem; color: var(--muted); }
  </style>
</head>
<body>
  <div class="shell">
    <div class="card">
      <h1>Sheet Mirror</h1>
      <div class="row">
        <input id="token" type="password" placeholder="admin bearer token" />
        <button id="refresh">Refresh</button>
        <a class="button" id="export" href="#">Workbook</a>
        <a class="button" id="report" href="#">Report</a>
        <span id="status"></span>
      </div>
    </div>
    <div class="card">
      <h2>Statistics</h2>
      <div id="stats">-</div>
    </div>
    <div class="card">
      <h2>Sheets</h2>
      <table><thead><tr><th>Name</th><th>ID</th><th>Form</th><th>Date</th><th>Rows</th></tr></thead><tbody id="sheets"></tbody></table>
    </div>
    <div class="card">
      <h2 id="sheetTitle">Rows</h2>
      <table><thead id="rowsHead"></thead><tbody id="rows"></tbody></table>
    </div>
    <div class="card">
      <h2>Live events</h2>
      <div id="feed"></div>
    </div>
  </div>
  <script>
    (function () {
      const $ = (id) => document.getElementById(id);
      const token = () => $("token").value.trim();
      const headers = () => token() ? { Authorization: "Bearer " + token() } : {};
      let socket = null;

      function status(text, bad) {
        $("status").textContent = text;
        $("status").className = bad ? "err" : "";
      }

      async function getJSON(path) {
        const res = await fetch(path, { headers: headers() });
        const body = await res.json();
        if (!res.ok) throw new Error(body.message || res.statusText);
        return body;
      }

      async function download(path) {
        const res = await fetch(path, { headers: headers() });
        if (!res.ok) { status((await res.json()).message, true); return; }
        const name = (res.headers.get("Content-Disposition") || "").split('filename="')[1] || "export.xlsx";
        const link = document.createElement("a");
        link.href = URL.createObjectURL(await res.blob());
        link.download = name.replace('"', "");
        link.click();
      }

      function cell(text) {
        const td = document.createElement("td");
        td.textContent = text;
        return td;
      }

      async function showSheet(name) {
        const sheet = await getJSON("/v1/sheets/" + encodeURIComponent(name));
        $("sheetTitle").textContent = sheet.name + " (" + sheet.id + ")";
        const columns = [];
        sheet.rows.forEach((row) => Object.keys(row).forEach((k) => { if (columns.indexOf(k) === -1) columns.push(k); }));
        const head = document.createElement("tr");
        columns.forEach((c) => head.appendChild(cell(c)));
        $("rowsHead").replaceChildren(head);
        $("rows").replaceChildren(...sheet.rows.map((row) => {
          const tr = document.createElement("tr");
          columns.forEach((c) => tr.appendChild(cell(row[c] || "")));
          return tr;
        }));
      }

      async function refresh() {
        try {
          const stats = await getJSON("/v1/stats");
          $("stats").textContent = stats.sheets.totalSheets + " sheets, " + stats.submissions.total +
            " submissions (" + stats.submissions.averagePerDay + "/day, source " + stats.source + ")";
          const listing = await getJSON("/v1/sheets");
          $("sheets").replaceChildren(...listing.sheets.map((s) => {
            const tr = document.createElement("tr");
            tr.className = "pick" + (s.isActive ? " active" : "");
            [s.name, s.id, s.formName, s.date, String(s.rowCount)].forEach((v) => tr.appendChild(cell(v)));
            tr.addEventListener("click", () => showSheet(s.name).catch((e) => status(e.message, true)));
            return tr;
          }));
          if (listing.activeSheet) await showSheet(listing.activeSheet);
          window.localStorage.setItem("sheetmirror_admin_token", token());
          status("ok " + new Date().toLocaleTimeString());
          connect();
        } catch (err) {
          status(err.message, true);
        }
      }

      function connect() {
        if (socket) return;
        const scheme = location.protocol === "https:" ? "wss://" : "ws://";
        const query = token() ? "?access_token=" + encodeURIComponent(token()) : "";
        socket = new WebSocket(scheme + location.host + "/v1/events" + query);
        socket.onmessage = (msg) => {
          const line = document.createElement("div");
          line.textContent = msg.data;
          $("feed").prepend(line);
        };
        socket.onclose = () => { socket = null; };
      }

      $("refresh").addEventListener("click", refresh);
      $("export").addEventListener("click", (e) => { e.preventDefault(); download("/v1/export"); });
      $("report").addEventListener("click", (e) => { e.preventDefault(); download("/v1/export/report"); });
      $("token").value = window.localStorage.getItem("sheetmirror_admin_token") || "";
      refresh();
    })();
  </script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, dashboardHTML)
}
