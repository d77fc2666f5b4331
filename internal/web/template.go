package web

import (
	"fmt"
	"html/template"
	"io"
	"strings"
	"time"

	"github.com/sweeney/gate-relay/internal/status"
)

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"uptime": func(d time.Duration) string {
		d = d.Truncate(time.Second)
		days := int(d.Hours()) / 24
		h := int(d.Hours()) % 24
		m := int(d.Minutes()) % 60
		s := int(d.Seconds()) % 60
		if days > 0 {
			return fmt.Sprintf("%dd %dh %dm %ds", days, h, m, s)
		}
		if h > 0 {
			return fmt.Sprintf("%dh %dm %ds", h, m, s)
		}
		if m > 0 {
			return fmt.Sprintf("%dm %ds", m, s)
		}
		return fmt.Sprintf("%ds", s)
	},
	"stateClass": func(s fmt.Stringer) string {
		return strings.ToLower(strings.ReplaceAll(s.String(), "_", "-"))
	},
	"lastReport": func(t time.Time) string {
		if t.IsZero() {
			return "never"
		}
		return t.UTC().Format("2006-01-02T15:04:05Z")
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Gate Relay</title>
<style>
body { font-family: monospace; max-width: 700px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
.closed { color: #888; }
.moving { color: orange; font-weight: bold; }
.momentary-open, .hold-open { color: green; font-weight: bold; }
.unknown { color: red; }
.connected { color: green; }
.disconnected { color: red; }
form { display: inline; }
</style>
</head>
<body>
<h1>Gate Relay</h1>

<h2>Channels</h2>
<table>
<tr><th>Name</th><th>Port</th><th>State</th><th>Last report</th><th>Dropped</th><th></th></tr>
{{range $i, $ch := .Channels}}<tr>
<td>{{$ch.Name}}</td>
<td>{{$ch.Port}}</td>
<td class="{{stateClass $ch.State}}">{{$ch.State}}</td>
<td>{{lastReport $ch.LastReport}}</td>
<td>{{$ch.Dropped}}</td>
<td>
<form method="post" action="/command?channel={{$i}}&amp;cmd=toggle"><button>toggle</button></form>
<form method="post" action="/command?channel={{$i}}&amp;cmd=open"><button>open</button></form>
<form method="post" action="/command?channel={{$i}}&amp;cmd=hold"><button>hold</button></form>
<form method="post" action="/command?channel={{$i}}&amp;cmd=close"><button>close</button></form>
</td>
</tr>
{{end}}</table>

<h2>Connectivity</h2>
<table>
<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{.Config.Broker}}</td></tr>
<tr><th>Topic prefix</th><td>{{.Config.Prefix}}</td></tr>
{{if .Network}}<tr><th>Network</th><td>{{.Network.Status}} ({{.Network.Type}}{{if .Network.SSID}}, {{.Network.SSID}}{{end}})</td></tr>
<tr><th>IP</th><td>{{.Network.IP}}</td></tr>{{end}}
</table>

<h2>System</h2>
<table>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
<tr><th>Movement</th><td>{{.Config.MovementMs}}ms</td></tr>
<tr><th>Auto close</th><td>{{if .Config.AutoClose}}after {{.Config.AutoCloseMs}}ms{{else}}disabled{{end}}</td></tr>
<tr><th>Pulse</th><td>{{.Config.PulseMs}}ms</td></tr>
<tr><th>Report interval</th><td>{{if eq .Config.ReportIntervalMs 0}}disabled{{else}}{{.Config.ReportIntervalMs}}ms{{end}}</td></tr>
<tr><th>HTTP</th><td>{{.Config.HTTPAddr}}</td></tr>
</table>

<p><a href="/index.json">JSON</a></p>
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot) {
	// Snapshot has Uptime() method but template needs a Duration field.
	data := struct {
		status.Snapshot
		Uptime time.Duration
	}{
		Snapshot: snap,
		Uptime:   snap.Uptime(),
	}
	indexTmpl.Execute(w, data)
}
