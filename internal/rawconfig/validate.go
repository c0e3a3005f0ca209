package rawconfig

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/proformatique/provd/internal/apierr"
	"github.com/proformatique/provd/internal/document"
)

// validate is the struct-tag validator used for ad hoc field checks below
// via Var, since raw_config is a loosely-typed document.Document rather
// than a tagged struct — Struct()/StructCtx() don't apply here, but Var()
// lets each field still go through the same tag vocabulary (e.g. "ip",
// "min=1,max=65535") instead of hand-rolled format checks.
var validate = validator.New()

// Validate checks a resolved raw_config against spec §4.2's mandatory
// fields and conditional requirements, then applies the section's
// defaults in place. A validation failure is always an
// apierr.CodeRawConfigInvalid — the caller (device lifecycle) maps this
// to configured=false and never lets it escape the engine (spec §7).
func Validate(raw document.Document) error {
	for _, field := range []string{"ip", "http_port", "tftp_port"} {
		if _, ok := raw[field]; !ok {
			return apierr.RawConfigInvalid(fmt.Sprintf("missing mandatory field %q", field))
		}
	}
	if err := validate.Var(raw.GetString("ip"), "required,ip"); err != nil {
		return apierr.RawConfigInvalid(fmt.Sprintf("ip: %s", err))
	}
	for _, field := range []string{"http_port", "tftp_port"} {
		if err := validate.Var(raw.GetInt(field), "min=1,max=65535"); err != nil {
			return apierr.RawConfigInvalid(fmt.Sprintf("%s: %s", field, err))
		}
	}

	if raw.GetBool("ntp_enabled") {
		if raw.GetString("ntp_ip") == "" {
			return apierr.RawConfigInvalid("ntp_enabled requires ntp_ip")
		}
		if err := validate.Var(raw.GetString("ntp_ip"), "ip"); err != nil {
			return apierr.RawConfigInvalid(fmt.Sprintf("ntp_ip: %s", err))
		}
	}
	if raw.GetBool("vlan_enabled") {
		if _, ok := raw["vlan_id"]; !ok {
			return apierr.RawConfigInvalid("vlan_enabled requires vlan_id")
		}
		if err := validate.Var(raw.GetInt("vlan_id"), "min=0,max=4094"); err != nil {
			return apierr.RawConfigInvalid(fmt.Sprintf("vlan_id: %s", err))
		}
	}
	if raw.GetBool("syslog_enabled") {
		if raw.GetString("syslog_ip") == "" {
			return apierr.RawConfigInvalid("syslog_enabled requires syslog_ip")
		}
		if err := validate.Var(raw.GetString("syslog_ip"), "ip"); err != nil {
			return apierr.RawConfigInvalid(fmt.Sprintf("syslog_ip: %s", err))
		}
		if _, ok := raw["syslog_port"]; !ok {
			raw["syslog_port"] = 514
		}
		if raw.GetString("level") == "" {
			raw["level"] = "warning"
		}
	}

	siteProxyIP := raw.GetString("sip_proxy_ip")
	if lines, ok := raw["sip_lines"]; ok {
		normalized, err := validateSIPLines(lines, siteProxyIP)
		if err != nil {
			return err
		}
		raw["sip_lines"] = normalized
	} else {
		raw["sip_lines"] = []any{}
	}

	if cms, ok := raw["sccp_call_managers"]; ok {
		if err := validateCallManagers(cms); err != nil {
			return err
		}
	} else {
		raw["sccp_call_managers"] = []any{}
	}

	if fks, ok := raw["funckeys"]; ok {
		if err := validateFunckeys(fks); err != nil {
			return err
		}
	} else {
		raw["funckeys"] = []any{}
	}

	if raw.GetString("sip_registrar_ip") == "" && siteProxyIP != "" {
		raw["sip_registrar_ip"] = siteProxyIP
	}
	if raw.GetString("sip_srtp_mode") == "" {
		raw["sip_srtp_mode"] = "disabled"
	}
	if raw.GetString("sip_transport") == "" {
		raw["sip_transport"] = "udp"
	}

	return nil
}

func asDocList(v any) []any {
	switch t := v.(type) {
	case []any:
		return t
	case []document.Document:
		out := make([]any, len(t))
		for i, d := range t {
			out[i] = d
		}
		return out
	default:
		return nil
	}
}

func validateSIPLines(v any, siteProxyIP string) ([]any, error) {
	items := asDocList(v)
	out := make([]any, 0, len(items))
	for i, item := range items {
		line, ok := asDocument(item)
		if !ok {
			return nil, apierr.RawConfigInvalid(fmt.Sprintf("sip_lines[%d]: not an object", i))
		}
		line = line.Clone()
		if line.GetString("protocol") == "SIP" {
			for _, field := range []string{"username", "password", "display_name"} {
				if line.GetString(field) == "" {
					return nil, apierr.RawConfigInvalid(fmt.Sprintf("sip_lines[%d]: missing %q", i, field))
				}
			}
			proxyIP := line.GetString("proxy_ip")
			if proxyIP == "" && siteProxyIP == "" {
				return nil, apierr.RawConfigInvalid(fmt.Sprintf("sip_lines[%d]: missing proxy_ip (no site-wide sip_proxy_ip)", i))
			}
			if proxyIP == "" {
				proxyIP = siteProxyIP
				line["proxy_ip"] = proxyIP
			}
			if line.GetString("registrar_ip") == "" {
				line["registrar_ip"] = proxyIP
			}
			if line.GetString("auth_username") == "" {
				line["auth_username"] = line.GetString("username")
			}
		}
		out = append(out, line)
	}
	return out, nil
}

func validateCallManagers(v any) error {
	items := asDocList(v)
	for i, item := range items {
		cm, ok := asDocument(item)
		if !ok {
			return apierr.RawConfigInvalid(fmt.Sprintf("sccp_call_managers[%d]: not an object", i))
		}
		if cm.GetString("ip") == "" {
			return apierr.RawConfigInvalid(fmt.Sprintf("sccp_call_managers[%d]: missing ip", i))
		}
	}
	return nil
}

func validateFunckeys(v any) error {
	items := asDocList(v)
	for i, item := range items {
		fk, ok := asDocument(item)
		if !ok {
			return apierr.RawConfigInvalid(fmt.Sprintf("funckeys[%d]: not an object", i))
		}
		typ := fk.GetString("type")
		if typ == "" {
			return apierr.RawConfigInvalid(fmt.Sprintf("funckeys[%d]: missing type", i))
		}
		if (typ == "speeddial" || typ == "blf") && fk.GetString("value") == "" {
			return apierr.RawConfigInvalid(fmt.Sprintf("funckeys[%d]: type %q requires value", i, typ))
		}
	}
	return nil
}
