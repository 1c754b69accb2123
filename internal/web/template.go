package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/sweeney/hr-sensor/internal/status"
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
	"orNone": func(s string) string {
		if s == "" {
			return "none"
		}
		return s
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<meta http-equiv="refresh" content="5">
<title>Heart Rate Sensor</title>
<style>
body { font-family: monospace; max-width: 600px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
th { width: 40%; }
.bpm { font-size: 1.6em; font-weight: bold; }
.simulated { color: orange; }
.connected { color: green; }
.disconnected { color: red; }
</style>
</head>
<body>
<h1>Heart Rate Sensor</h1>

<h2>Reading</h2>
<table>
{{with .LastReading}}
<tr><th>Heart rate</th><td class="bpm{{if .Simulated}} simulated{{end}}">{{.HeartRate}} {{.Units}}</td></tr>
<tr><th>Device</th><td class="{{if .DeviceConnected}}connected{{else}}disconnected{{end}}">{{if .DeviceConnected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Bluetooth</th><td class="{{if .BLEConnected}}connected{{else}}disconnected{{end}}">{{if .BLEConnected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Simulated</th><td>{{if .Simulated}}yes{{else}}no{{end}}</td></tr>
{{else}}
<tr><th>Heart rate</th><td>no reading yet</td></tr>
{{end}}
<tr><th>Label</th><td>{{.Operating.DataLabel}}</td></tr>
</table>

<h2>Acquisition</h2>
<table>
<tr><th>State</th><td>{{printf "%s" .State}}</td></tr>
<tr><th>Device MAC</th><td>{{orNone .Binding.DeviceMAC}}</td></tr>
<tr><th>Subscription</th><td>{{orNone .Binding.Subscription}}</td></tr>
<tr><th>Test mode</th><td>{{if .Operating.TestMode}}on{{else}}off{{end}} (config v{{.ConfigVersion}})</td></tr>
{{if .LastError}}<tr><th>Last error</th><td class="disconnected">{{.LastError}}</td></tr>{{end}}
</table>

<h2>Connectivity</h2>
<table>
<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{.Config.Broker}}</td></tr>
<tr><th>HAL</th><td>{{.Config.HAL}}</td></tr>
{{if .Network}}<tr><th>Network</th><td>{{.Network.Status}} ({{.Network.Type}}{{if .Network.SSID}} / {{.Network.SSID}}{{end}})</td></tr>
<tr><th>IP</th><td>{{.Network.IP}}</td></tr>{{end}}
</table>

<h2>Ticks</h2>
<table>
<tr><th>Total</th><td>{{.Counts.Ticks}}</td></tr>
<tr><th>Connected</th><td>{{.Counts.Connected}}</td></tr>
<tr><th>Errors</th><td>{{.Counts.Errors}}</td></tr>
<tr><th>Skipped</th><td>{{.Counts.Skipped}}</td></tr>
</table>

<h2>System</h2>
<table>
<tr><th>Loop</th><td class="{{if .Healthy}}connected{{else}}disconnected{{end}}">{{if .Healthy}}running{{else}}stalled{{end}}</td></tr>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
<tr><th>Tick</th><td>{{.Config.TickMs}}ms</td></tr>
<tr><th>Prefix</th><td>{{.Config.Prefix}}</td></tr>
<tr><th>HTTP</th><td>{{.Config.HTTPAddr}}</td></tr>
</table>

<p><a href="/index.json">JSON</a> · <a href="/healthz">healthz</a></p>
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot) error {
	healthy, _ := Healthy(snap)
	data := struct {
		status.Snapshot
		Uptime  time.Duration
		Healthy bool
	}{
		Snapshot: snap,
		Uptime:   snap.Uptime(),
		Healthy:  healthy,
	}
	return indexTmpl.Execute(w, data)
}
