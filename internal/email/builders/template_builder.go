package builders

import (
	"fmt"
	"html"
	"strings"
)

// Detail is one labelled row of a details table
type Detail struct {
	Label string
	Value string
}

// EmailBuilder builds an HTML email and its plain text alternative side by
// side. All text arguments are escaped; only the builder emits markup.
type EmailBuilder struct {
	styles     string
	header     string
	content    []string
	text       []string
	footer     string
	brandName  string
	brandColor string
}

// NewEmailBuilder creates a new email builder with default styling
func NewEmailBuilder(brandName, brandColor string) *EmailBuilder {
	if brandName == "" {
		brandName = "CareConnect"
	}
	if brandColor == "" {
		brandColor = "#0E7490"
	}

	return &EmailBuilder{
		brandName:  brandName,
		brandColor: brandColor,
		content:    make([]string, 0),
	}
}

// SetHeader sets the email header
func (b *EmailBuilder) SetHeader(title string, subtitle string) *EmailBuilder {
	b.header = fmt.Sprintf(`
		<div class="header">
			<h1 style="margin: 0; font-size: 26px;">%s</h1>
			%s
		</div>
	`, html.EscapeString(title), b.conditionalSubtitle(subtitle))
	b.text = append(b.text, title)
	if subtitle != "" {
		b.text = append(b.text, subtitle)
	}
	b.text = append(b.text, "")
	return b
}

// AddInfoBox adds a highlighted box
func (b *EmailBuilder) AddInfoBox(content string, boxType string) *EmailBuilder {
	var bgColor, borderColor string
	switch boxType {
	case "warning":
		bgColor = "#FEF3C7"
		borderColor = "#92400E"
	case "info":
		bgColor = "#DBEAFE"
		borderColor = "#1E40AF"
	default:
		bgColor = "#F3F4F6"
		borderColor = "#6B7280"
	}

	b.content = append(b.content, fmt.Sprintf(`
		<div style="background-color: %s; border-left: 4px solid %s; padding: 15px; margin: 20px 0; border-radius: 4px;">
			%s
		</div>
	`, bgColor, borderColor, html.EscapeString(content)))
	b.text = append(b.text, content, "")
	return b
}

// AddDetailsList adds labelled details in the given order. Empty values are
// left out.
func (b *EmailBuilder) AddDetailsList(details []Detail) *EmailBuilder {
	var rows []string
	for _, d := range details {
		if d.Value == "" {
			continue
		}
		rows = append(rows, fmt.Sprintf(`
			<tr>
				<td style="padding: 8px 12px; font-weight: bold; color: #4B5563;">%s:</td>
				<td style="padding: 8px 12px; color: #1F2937;">%s</td>
			</tr>
		`, html.EscapeString(d.Label), html.EscapeString(d.Value)))
		b.text = append(b.text, fmt.Sprintf("%s: %s", d.Label, d.Value))
	}
	if len(rows) == 0 {
		return b
	}

	b.content = append(b.content, fmt.Sprintf(`
		<table style="width: 100%%; border-collapse: collapse; margin: 15px 0;">
			%s
		</table>
	`, strings.Join(rows, "")))
	b.text = append(b.text, "")
	return b
}

// AddButton adds a call-to-action link
func (b *EmailBuilder) AddButton(text, url string) *EmailBuilder {
	b.content = append(b.content, fmt.Sprintf(`
		<div style="text-align: center; margin: 30px 0;">
			<a href="%s" style="display: inline-block; background-color: %s; color: white;
				padding: 12px 30px; text-decoration: none; border-radius: 6px; font-weight: bold;">
				%s
			</a>
		</div>
	`, html.EscapeString(url), b.brandColor, html.EscapeString(text)))
	b.text = append(b.text, fmt.Sprintf("%s: %s", text, url), "")
	return b
}

// AddParagraph adds a simple paragraph
func (b *EmailBuilder) AddParagraph(text string) *EmailBuilder {
	b.content = append(b.content, fmt.Sprintf(`<p style="line-height: 1.6; color: #4B5563; margin: 15px 0;">%s</p>`, html.EscapeString(text)))
	b.text = append(b.text, text, "")
	return b
}

// SetFooter sets the email footer
func (b *EmailBuilder) SetFooter(footerText string) *EmailBuilder {
	if footerText == "" {
		footerText = fmt.Sprintf("This is an automated reminder from %s. Please do not reply to this message.", b.brandName)
	}
	b.footer = fmt.Sprintf(`<div class="footer"><p>%s</p></div>`, html.EscapeString(footerText))
	return b
}

// Build constructs the final HTML email
func (b *EmailBuilder) Build() string {
	if b.styles == "" {
		b.styles = b.getDefaultStyles()
	}
	if b.footer == "" {
		b.SetFooter("")
	}

	return fmt.Sprintf(`
<!DOCTYPE html>
<html lang="en">
<head>
	<meta charset="UTF-8">
	<meta name="viewport" content="width=device-width, initial-scale=1.0">
	<title>%s</title>
	<style>%s</style>
</head>
<body>
	<div class="container">
		%s
		<div class="content">
			%s
		</div>
		%s
	</div>
</body>
</html>
	`, html.EscapeString(b.brandName), b.styles, b.header, strings.Join(b.content, "\n"), b.footer)
}

// BuildText constructs the plain text alternative
func (b *EmailBuilder) BuildText() string {
	return strings.TrimSpace(strings.Join(b.text, "\n")) + "\n\n-- \n" + b.brandName + "\n"
}

func (b *EmailBuilder) getDefaultStyles() string {
	return `
		body {
			font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, 'Helvetica Neue', Arial, sans-serif;
			line-height: 1.6;
			color: #1F2937;
			background-color: #F9FAFB;
			margin: 0;
			padding: 0;
		}
		.container {
			max-width: 600px;
			margin: 20px auto;
			background-color: #FFFFFF;
			border-radius: 8px;
			overflow: hidden;
		}
		.header {
			background-color: ` + b.brandColor + `;
			color: white;
			padding: 30px 20px;
			text-align: center;
		}
		.content {
			padding: 30px 20px;
		}
		.footer {
			text-align: center;
			padding: 20px;
			border-top: 1px solid #E5E7EB;
			color: #6B7280;
			font-size: 13px;
		}
	`
}

func (b *EmailBuilder) conditionalSubtitle(subtitle string) string {
	if subtitle == "" {
		return ""
	}
	return fmt.Sprintf(`<p style="margin: 10px 0 0 0; font-size: 16px; opacity: 0.95;">%s</p>`, html.EscapeString(subtitle))
}
