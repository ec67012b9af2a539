package config

import "strings"

// PrimaryDomain is the public ShipThis domain.
const PrimaryDomain = "shipth.is"

// BackendURLs groups the endpoints derived from a domain.
type BackendURLs struct {
	API string
	Web string
	WS  string
}

// URLsForDomain derives backend endpoints. Public domains (anything containing
// PrimaryDomain) get api. and ws. subdomains; private domains are used as-is.
func URLsForDomain(domain string) BackendURLs {
	domain = strings.TrimSpace(domain)
	if domain == "" {
		domain = PrimaryDomain
	}
	apiHost, wsHost := domain, domain
	if strings.Contains(domain, PrimaryDomain) {
		apiHost = "api." + domain
		wsHost = "ws." + domain
	}
	return BackendURLs{
		API: "https://" + apiHost + "/api/1.0.0",
		Web: "https://" + domain + "/",
		WS:  "wss://" + wsHost,
	}
}
