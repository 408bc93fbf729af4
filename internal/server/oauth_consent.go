package server

import (
	"html/template"
	"net/http"
	"time"
)

// oauthConsentData holds the template data for the consent page.
type oauthConsentData struct {
	ClientName string
	RequestID  string
	Scopes     []string
	ExpiresAt  time.Time
}

var scopeDescriptions = map[string]string{
	"read":  "View your profile and posts",
	"write": "Publish and retract posts after you confirm each one",
}

var consentTemplate = template.Must(template.New("consent").Funcs(template.FuncMap{
	"describe": func(scope string) string {
		if d, ok := scopeDescriptions[scope]; ok {
			return d
		}
		return scope
	},
}).Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Authorize {{.ClientName}} | Cadence</title>
<style>
*{box-sizing:border-box;margin:0;padding:0}
body{font-family:-apple-system,BlinkMacSystemFont,"Segoe UI",Roboto,sans-serif;background:#0f1117;color:#e1e4e8;min-height:100vh;display:flex;align-items:center;justify-content:center}
.card{background:#161b22;border:1px solid #30363d;border-radius:12px;padding:2rem;width:100%;max-width:400px}
h1{font-size:1.25rem;margin-bottom:.5rem;color:#f0f6fc}
p.desc{color:#8b949e;margin-bottom:1.5rem;font-size:.9rem}
ul.scopes{list-style:none;background:#0d1117;border:1px solid #30363d;border-radius:6px;padding:.5rem .75rem;margin-bottom:1rem;font-size:.85rem;color:#8b949e}
ul.scopes li{padding:.25rem 0}
.actions{display:flex;gap:.75rem;margin-top:.5rem}
button{flex:1;padding:.6rem;border:none;border-radius:6px;font-size:.9rem;cursor:pointer;font-weight:500}
button.approve{background:#238636;color:#fff}
button.approve:hover{background:#2ea043}
button.deny{background:transparent;border:1px solid #30363d;color:#8b949e}
button.deny:hover{border-color:#8b949e}
p.expires{color:#6e7681;font-size:.75rem;margin-top:1rem}
</style>
</head>
<body>
<div class="card">
<h1>Authorize {{.ClientName}}</h1>
<p class="desc">{{.ClientName}} wants to act on your Cadence account.</p>
<ul class="scopes">
{{range .Scopes}}<li>{{describe .}}</li>
{{end}}</ul>
<form method="POST" action="/oauth/authorize">
<input type="hidden" name="request_id" value="{{.RequestID}}">
<div class="actions">
<button class="approve" type="submit" name="decision" value="approve">Allow</button>
<button class="deny" type="submit" name="decision" value="deny">Deny</button>
</div>
</form>
<p class="expires">This request expires at {{.ExpiresAt.Format "15:04 MST"}}.</p>
</div>
</body>
</html>`))

// renderConsentPage renders the OAuth consent page.
func renderConsentPage(w http.ResponseWriter, data oauthConsentData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Frame-Options", "DENY")
	if err := consentTemplate.Execute(w, data); err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to render consent page")
	}
}
