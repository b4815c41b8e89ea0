package engine

import (
	"strings"

	"leadpilot/models"
)

// TemplateKeys is the fixed set of lead attributes available to step
// templates as {{key}} placeholders.
var TemplateKeys = []string{
	"company_name",
	"contact_name",
	"email",
	"phone",
	"website",
	"industry",
	"address",
	"city",
	"state",
	"country",
}

// LeadAttributes flattens a lead into the template substitution map. Every
// known key is present; attributes the lead lacks map to the empty string.
func LeadAttributes(lead *models.Lead) map[string]string {
	return map[string]string{
		"company_name": lead.CompanyName,
		"contact_name": lead.ContactName,
		"email":        lead.Email,
		"phone":        lead.Phone,
		"website":      lead.Website,
		"industry":     lead.Industry,
		"address":      lead.Address,
		"city":         lead.City,
		"state":        lead.State,
		"country":      lead.Country,
	}
}

// RenderTemplate substitutes every {{key}} occurrence for known keys.
// Placeholders for unknown keys are left verbatim in the output.
func RenderTemplate(tmpl string, attrs map[string]string) string {
	for _, key := range TemplateKeys {
		tmpl = strings.ReplaceAll(tmpl, "{{"+key+"}}", attrs[key])
	}
	return tmpl
}
