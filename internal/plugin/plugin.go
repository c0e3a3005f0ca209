// Package plugin defines the plugin contract (spec §4.4): the interface
// every vendor/model adapter implements, plus the associator verdicts
// used by the identification pipeline and UI to recommend a plugin for a
// newly seen device. Only the contract lives here — concrete plugin
// bodies (xivo-aastra, xivo-cisco-sccp, ...) are out of scope (spec §1).
package plugin

import (
	"context"

	"github.com/proformatique/provd/internal/document"
)

// DeviceInfo is the minimal device shape a plugin needs: enough fields
// to write files and decide reconfiguration relevance, without pulling
// in the full device package (which in turn depends on plugin for its
// lifecycle orchestration — this break avoids an import cycle).
type DeviceInfo struct {
	ID      string
	MAC     string
	IP      string
	SN      string
	Vendor  string
	Model   string
	Version string
}

// Capability names a service a plugin publishes in its plugin.info
// manifest (spec §4.3).
type Capability string

const (
	CapabilityInstall   Capability = "install"
	CapabilityConfigure Capability = "configure"
)

// Support is the associator's verdict on how well a plugin supports an
// observed (vendor, model, version) triple (spec §4.4).
type Support string

const (
	SupportImprobable Support = "IMPROBABLE"
	SupportProbable   Support = "PROBABLE"
	SupportIncomplete Support = "INCOMPLETE"
	SupportComplete   Support = "COMPLETE"
	SupportFull       Support = "FULL"
	SupportNo         Support = "NO"
)

// CompletionSignal is returned by asynchronous plugin operations
// (synchronize). It is a future: Wait blocks until the operation settles.
type CompletionSignal interface {
	Wait(ctx context.Context) error
}

// Plugin is the contract every loaded plugin implements (spec §4.4).
type Plugin interface {
	// Configure writes any files the device will fetch. Side-effectful
	// under the TFTP root. The engine catches panics/errors and maps
	// them to configured=false (spec §7); implementations should still
	// return a descriptive error for logging.
	Configure(ctx context.Context, dev DeviceInfo, rawConfig document.Document) error

	// Deconfigure removes files previously written by Configure. Must be
	// idempotent: calling it twice, or on a device never configured, is
	// a no-op success.
	Deconfigure(ctx context.Context, dev DeviceInfo) error

	// Synchronize emits a vendor-specific nudge so the phone re-fetches
	// its configuration (SIP NOTIFY check-sync, SCCP reset via AMI...).
	Synchronize(ctx context.Context, dev DeviceInfo, rawConfig document.Document) (CompletionSignal, error)

	// ConfigureCommon writes shared files (firmware manifests, common
	// directories) once at load time.
	ConfigureCommon(ctx context.Context, baseRawConfig document.Document) error

	// Info returns the extractor/associator surface (spec §4.4).
	Info() Info
}

// Info bundles a plugin's transport extractors and its associator.
type Info struct {
	ID           string
	Version      string
	Capabilities []Capability
	HTTPExtractor InfoExtractor
	TFTPExtractor InfoExtractor
	DHCPExtractor InfoExtractor
	Associator    Associator

	// RelevantFields lists the device fields whose change implies
	// reconfiguration is needed (spec §4.5's "reconfiguration-relevant
	// fields"). Defaults to {plugin, config, mac, ip, vendor, model,
	// version} when empty.
	RelevantFields []string
}

// InfoExtractor extracts a partial device-info mapping from a raw
// incoming request (spec §4.4 / §4.7 step 1). Implementations return
// (nil, nil) when they find nothing relevant in the request.
type InfoExtractor interface {
	Extract(ctx context.Context, request Request) (document.Document, error)
}

// Request is the minimal, transport-agnostic shape of an incoming
// phone request the identification pipeline hands to extractors.
type Request struct {
	Transport   string // "http", "tftp", "dhcp"
	RemoteIP    string
	Path        string            // TFTP filename / HTTP path
	UserAgent   string            // HTTP
	DHCPOption60 string           // decoded vendor class identifier
	Headers     map[string]string
}

// Associator maps an observed (vendor, model, version) to a support
// verdict (spec §4.4).
type Associator interface {
	Associate(ctx context.Context, vendor, model, version string) Support
}

// RemoteStateTrigger is the optional extension naming a file whose fetch
// indicates the phone (re)loaded its config (spec §4.4).
type RemoteStateTrigger interface {
	RemoteStateTriggerFilename(dev DeviceInfo) string
}

// SensitiveFilenameChecker is the optional extension that flags a
// filename as security-sensitive, triggering an audit log line.
type SensitiveFilenameChecker interface {
	IsSensitiveFilename(name string) bool
}

// DefaultRelevantFields is used when a plugin's Info.RelevantFields is
// empty (spec §4.5).
var DefaultRelevantFields = []string{"plugin", "config", "mac", "ip", "vendor", "model", "version"}
