package report

import (
	"github.com/hupe1980/mailagent/core"
	"github.com/hupe1980/mailagent/internal/util"
)

const clarificationText = `I need some clarification to better assist you:

{{range $i, $q := .Questions}}{{inc $i}}. {{$q}}
{{end}}
Please reply to this email with your answers.
`

const clarificationHTML = `<html><body>
<p>I need some clarification to better assist you:</p>
<ol>{{range .Questions}}<li>{{.}}</li>{{end}}</ol>
<p>Please reply to this email with your answers.</p>
</body></html>`

const confirmationText = `I found more than one way to continue with your task and need you to choose:

{{range $i, $o := .Options}}{{inc $i}}. {{$o.Label}}{{if $o.Description}} - {{$o.Description}}{{end}}
{{end}}
Please reply with the number or the name of the option you want.
`

const confirmationHTML = `<html><body>
<p>I found more than one way to continue with your task and need you to choose:</p>
<ol>{{range .Options}}<li>{{.Label}}{{if .Description}} - {{.Description}}{{end}}</li>{{end}}</ol>
<p>Please reply with the number or the name of the option you want.</p>
</body></html>`

const completionText = `Task completed! Here's a summary of what I did:

{{.Summary}}
{{if .Actions}}
Actions performed:
{{range $i, $a := .Actions}}{{inc $i}}. {{$a}}
{{end}}{{end}}
Please let me know if you need anything else.
`

const completionHTML = `<html><body>
<p>Task completed! Here's a summary of what I did:</p>
<p>{{.Summary}}</p>
{{if .Actions}}<p>Actions performed:</p>
<ol>{{range .Actions}}<li>{{.}}</li>{{end}}</ol>{{end}}
<p>Please let me know if you need anything else.</p>
</body></html>`

const failureText = `I'm sorry, I could not complete your task.

Reason: {{.Error}}
{{if .Actions}}
Actions performed before the failure:
{{range $i, $a := .Actions}}{{inc $i}}. {{$a}}
{{end}}{{end}}
You can send a new request at any time.
`

const failureHTML = `<html><body>
<p>I'm sorry, I could not complete your task.</p>
<p>Reason: {{.Error}}</p>
{{if .Actions}}<p>Actions performed before the failure:</p>
<ol>{{range .Actions}}<li>{{.}}</li>{{end}}</ol>{{end}}
<p>You can send a new request at any time.</p>
</body></html>`

// content is the data made available to the body templates.
type content struct {
	Questions []string
	Options   []core.ConfirmationOption
	Summary   string
	Actions   []string
	Error     string
}

var bodies = map[core.MessageKind][2]string{
	core.KindClarification: {clarificationText, clarificationHTML},
	core.KindConfirmation:  {confirmationText, confirmationHTML},
	core.KindCompletion:    {completionText, completionHTML},
	core.KindFailure:       {failureText, failureHTML},
}

func render(kind core.MessageKind, c content) (text, html string, err error) {
	tpl := bodies[kind]
	if text, err = util.RenderTemplate(tpl[0], c); err != nil {
		return "", "", err
	}
	if html, err = util.RenderHTML(tpl[1], c); err != nil {
		return "", "", err
	}
	return text, html, nil
}
