package jwt

import (
	"github.com/jrsteele09/go-agent-gateway/internal/config"
)

// IssuerProfile describes one trusted identity provider and where its tokens carry the
// tenant, email and role.
type IssuerProfile struct {
	Tag         string
	IssuerURL   string
	JWKSURL     string // discovered from the issuer when empty
	TenantClaim string
	EmailClaim  string
	RoleClaim   string
	Audience    string // optional
}

// Claim layouts of the two supported identity providers. The primary provider puts the
// organisation in org_id, the secondary in org.
var (
	PrimaryClaims   = IssuerProfile{Tag: "primary", TenantClaim: "org_id", EmailClaim: "email", RoleClaim: "org_role"}
	SecondaryClaims = IssuerProfile{Tag: "secondary", TenantClaim: "org", EmailClaim: "email", RoleClaim: "role"}
)

// ProfilesFromSpecs converts configured issuers. The first issuer defaults to the primary
// claim layout, later ones to the secondary layout.
func ProfilesFromSpecs(specs []config.IssuerSpec) []IssuerProfile {
	profiles := make([]IssuerProfile, 0, len(specs))
	for i, spec := range specs {
		defaults := SecondaryClaims
		if i == 0 {
			defaults = PrimaryClaims
		}
		p := IssuerProfile{
			Tag:         spec.Tag,
			IssuerURL:   spec.IssuerURL,
			JWKSURL:     spec.JWKSURL,
			TenantClaim: spec.TenantClaim,
			EmailClaim:  spec.EmailClaim,
			RoleClaim:   spec.RoleClaim,
			Audience:    spec.Audience,
		}
		if p.Tag == "" {
			p.Tag = defaults.Tag
		}
		if p.TenantClaim == "" {
			p.TenantClaim = defaults.TenantClaim
		}
		if p.EmailClaim == "" {
			p.EmailClaim = defaults.EmailClaim
		}
		if p.RoleClaim == "" {
			p.RoleClaim = defaults.RoleClaim
		}
		profiles = append(profiles, p)
	}
	return profiles
}
