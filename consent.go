package oauth

import (
	"bytes"
	"html/template"
	"net/http"

	"github.com/ragtag/mcplink/security"
	"github.com/ragtag/mcplink/server"
	"github.com/ragtag/mcplink/storage"
)

// consentTemplate is the page shown by GET /oauth2/authorize. Every request
// parameter travels as a hidden field so that the approval POST carries the
// full request back for re-validation.
const consentTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Authorize {{.ClientName}}</title>
    <style>
        * {
            margin: 0;
            padding: 0;
            box-sizing: border-box;
        }
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, 'Helvetica Neue', Arial, sans-serif;
            background: linear-gradient(135deg, #1a1a2e 0%, #16213e 50%, #0f3460 100%);
            min-height: 100vh;
            display: flex;
            align-items: center;
            justify-content: center;
            color: #fff;
        }
        .container {
            padding: 2rem;
            max-width: 480px;
            width: 100%;
        }
        h1 {
            font-size: 1.5rem;
            margin-bottom: 0.75rem;
        }
        p {
            color: rgba(255, 255, 255, 0.8);
            line-height: 1.5;
            margin-bottom: 1.25rem;
        }
        fieldset {
            border: 1px solid rgba(255, 255, 255, 0.2);
            border-radius: 8px;
            padding: 1rem;
            margin-bottom: 1.5rem;
        }
        legend {
            padding: 0 0.5rem;
        }
        label {
            display: block;
            padding: 0.25rem 0;
        }
        .actions {
            display: flex;
            gap: 0.75rem;
        }
        button {
            flex: 1;
            padding: 0.75rem;
            border: none;
            border-radius: 8px;
            font-size: 1rem;
            cursor: pointer;
        }
        .approve {
            background: #00d26a;
            color: #fff;
        }
        .deny {
            background: rgba(255, 255, 255, 0.15);
            color: #fff;
        }
    </style>
</head>
<body>
    <div class="container">
        <h1>Authorize {{.ClientName}}</h1>
        <p><strong>{{.ClientName}}</strong> is requesting access to your local tools. It will be sent back to <code>{{.RedirectURI}}</code>.</p>
        <form method="post" action="{{.Action}}">
            <input type="hidden" name="client_id" value="{{.ClientID}}">
            <input type="hidden" name="redirect_uri" value="{{.RedirectURI}}">
            <input type="hidden" name="response_type" value="{{.ResponseType}}">
            <input type="hidden" name="state" value="{{.State}}">
            <input type="hidden" name="code_challenge" value="{{.CodeChallenge}}">
            <input type="hidden" name="code_challenge_method" value="{{.CodeChallengeMethod}}">
            <input type="hidden" name="scope" value="{{.Scope}}">
            <fieldset>
                <legend>Keep access for</legend>
                {{range .Lifetimes}}<label><input type="radio" name="token_lifetime" value="{{.Value}}"{{if .Checked}} checked{{end}}> {{.Label}}</label>
                {{end}}
            </fieldset>
            <div class="actions">
                <button class="deny" type="submit" name="approved" value="false">Deny</button>
                <button class="approve" type="submit" name="approved" value="true">Approve</button>
            </div>
        </form>
    </div>
</body>
</html>`

var consentTmpl = template.Must(template.New("consent").Parse(consentTemplate))

var lifetimeLabels = map[string]string{
	server.LifetimeWeek:    "One week",
	server.LifetimeMonth:   "One month",
	server.LifetimeYear:    "One year",
	server.LifetimeForever: "Until revoked",
}

type lifetimeOption struct {
	Value   string
	Label   string
	Checked bool
}

type consentData struct {
	Action     string
	ClientID   string
	ClientName string
	Lifetimes  []lifetimeOption

	RedirectURI         string
	ResponseType        string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Scope               string
}

// renderConsent writes the consent page. The page is rendered into a buffer
// first so a template failure can still produce a clean 500.
func (h *Handler) renderConsent(w http.ResponseWriter, client *storage.Client, req *server.AuthorizationRequest) error {
	data := consentData{
		Action:              PathAuthorizeApprove,
		ClientID:            client.ClientID,
		ClientName:          client.DisplayName(),
		RedirectURI:         req.RedirectURI,
		ResponseType:        req.ResponseType,
		State:               req.State,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Scope:               req.Scope,
	}
	for _, key := range server.LifetimeOptions {
		data.Lifetimes = append(data.Lifetimes, lifetimeOption{
			Value:   key,
			Label:   lifetimeLabels[key],
			Checked: key == h.server.Config.DefaultTokenLifetime,
		})
	}

	var buf bytes.Buffer
	if err := consentTmpl.Execute(&buf, data); err != nil {
		return err
	}

	security.SetConsentPageHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
	return nil
}
