package http

import (
	"html/template"
	"net/http"
)

var dashboardTemplate = template.Must(template.New("dashboard").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="utf-8">
  <title>siprelay</title>
  <style>
    body { font-family: -apple-system, sans-serif; margin: 2rem; color: #222; }
    h1 { font-size: 1.4rem; }
    table { border-collapse: collapse; margin-bottom: 2rem; min-width: 40rem; }
    th, td { border: 1px solid #ccc; padding: 0.4rem 0.8rem; text-align: left; }
    th { background: #f4f4f4; }
    .empty { color: #888; font-style: italic; }
    #feed { font-family: monospace; font-size: 0.85rem; white-space: pre-wrap; }
  </style>
</head>
<body>
  <h1>SIP relay</h1>

  <h2>Backend routes</h2>
  {{if .Routes}}
  <table>
    <tr><th>Hostname</th><th>IP</th><th>UDP</th><th>TLS</th></tr>
    {{range .Routes}}
    <tr>
      <td>{{.Hostname}}</td>
      <td>{{.Record.IP}}</td>
      <td>{{if .Record.UDPPort}}{{.Record.UDPPort}}{{else}}-{{end}}</td>
      <td>{{if .Record.TLSPort}}{{.Record.TLSPort}}{{else}}-{{end}}</td>
    </tr>
    {{end}}
  </table>
  {{else}}<p class="empty">No backend routes configured.</p>{{end}}

  <h2>Registrations</h2>
  {{if .Registrations}}
  <table>
    <tr><th>User</th><th>Domain</th><th>Client</th><th>Expires</th></tr>
    {{range .Registrations}}
    <tr>
      <td>{{.User}}</td>
      <td>{{.Domain}}</td>
      <td>{{.ClientAddress}}:{{.ClientPort}}</td>
      <td>{{.ExpiresAt.Format "15:04:05"}}</td>
    </tr>
    {{end}}
  </table>
  {{else}}<p class="empty">No active registrations.</p>{{end}}

  <h2>Live events</h2>
  <div id="feed"></div>
  <script>
    (function () {
      var proto = location.protocol === "https:" ? "wss://" : "ws://";
      var ws = new WebSocket(proto + location.host + "/ws/events");
      var feed = document.getElementById("feed");
      ws.onmessage = function (e) {
        feed.textContent = e.data + "\n" + feed.textContent;
      };
    })();
  </script>
</body>
</html>
`))

func (s *Server) dashboardHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	data := map[string]interface{}{
		"Routes":        s.routes.All(),
		"Registrations": s.registrations.All(),
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := dashboardTemplate.Execute(w, data); err != nil {
		s.logger.WithError(err).Error("Failed to render dashboard")
	}
}
