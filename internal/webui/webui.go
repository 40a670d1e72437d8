// Package webui renders the relay's status page: a read-only device
// overview served next to the admin API.
package webui

import (
	"context"
	"html/template"
	"net/http"
	"time"
)

// Device is one row on the status page.
type Device struct {
	ID       string
	Name     string
	Status   string
	Online   bool
	OS       string
	Arch     string
	LastSeen time.Time
}

// Snapshot is the page's data.
type Snapshot struct {
	Online      int
	Total       int
	Devices     []Device
	GeneratedAt time.Time
}

// Provider supplies the current snapshot per request.
type Provider func(ctx context.Context) (Snapshot, error)

var pageTmpl = template.Must(template.New("status").Funcs(template.FuncMap{
	"since": func(t time.Time) string {
		if t.IsZero() {
			return "never"
		}
		d := time.Since(t).Round(time.Second)
		if d < time.Minute {
			return "just now"
		}
		return d.String() + " ago"
	},
}).Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta http-equiv="refresh" content="10">
<title>edgewire relay</title>
<style>
body { font-family: system-ui, sans-serif; margin: 2rem; color: #222; }
h1 { font-size: 1.4rem; }
table { border-collapse: collapse; min-width: 48rem; }
th, td { text-align: left; padding: 0.4rem 1rem 0.4rem 0; border-bottom: 1px solid #ddd; }
th { font-size: 0.8rem; text-transform: uppercase; color: #666; }
.online { color: #18794e; font-weight: 600; }
.pending { color: #ad5700; font-weight: 600; }
.offline { color: #888; }
footer { margin-top: 1.5rem; font-size: 0.8rem; color: #888; }
</style>
</head>
<body>
<h1>edgewire relay</h1>
<p>{{.Online}} of {{.Total}} devices online</p>
<table>
<tr><th>Device</th><th>Name</th><th>State</th><th>System</th><th>Last seen</th></tr>
{{range .Devices}}
<tr>
<td><code>{{.ID}}</code></td>
<td>{{.Name}}</td>
{{if .Online}}<td class="online">online</td>
{{else if eq .Status "pending"}}<td class="pending">pending</td>
{{else}}<td class="offline">{{.Status}}</td>{{end}}
<td>{{.OS}}/{{.Arch}}</td>
<td>{{since .LastSeen}}</td>
</tr>
{{end}}
</table>
<footer>generated {{.GeneratedAt.Format "15:04:05"}} &middot; refreshes every 10s</footer>
</body>
</html>
`))

// Handler serves the status page.
func Handler(provider Provider) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		snap, err := provider(r.Context())
		if err != nil {
			http.Error(w, "status unavailable", http.StatusServiceUnavailable)
			return
		}
		if snap.GeneratedAt.IsZero() {
			snap.GeneratedAt = time.Now()
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_ = pageTmpl.Execute(w, snap)
	})
}
