package shape

import (
	"net/http"
	"net/url"
	"strings"

	"pkt.systems/feedgate/api"
)

// Protocol identifies which parameter and header naming scheme a caller
// speaks.
type Protocol uint8

const (
	// Legacy callers send no client version token.
	Legacy Protocol = iota
	// Current callers send a client version token.
	Current
)

func (p Protocol) String() string {
	if p == Current {
		return "current"
	}
	return "legacy"
}

type names struct {
	handle       string
	entity       string
	window       string
	skipColumns  string
	headerHandle string
	headerOffset string
}

var protocolNames = [...]names{
	Legacy: {
		handle:       api.LegacyParamHandle,
		entity:       api.LegacyParamEntity,
		window:       api.LegacyParamWindow,
		skipColumns:  api.LegacyParamSkipColumns,
		headerHandle: api.LegacyHeaderHandle,
		headerOffset: api.LegacyHeaderOffset,
	},
	Current: {
		handle:       api.ParamHandle,
		entity:       api.ParamEntity,
		window:       api.ParamWindow,
		skipColumns:  api.ParamSkipColumns,
		headerHandle: api.HeaderHandle,
		headerOffset: api.HeaderOffset,
	},
}

// Adapter reads caller parameters and writes upstream parameters and
// response headers using one protocol's names. It is chosen once per request
// by Detect.
type Adapter struct {
	protocol      Protocol
	clientVersion string
}

// Detect selects the adapter for r. The client version may arrive as a query
// parameter or header; its absence selects the legacy protocol.
func Detect(r *http.Request) Adapter {
	version := strings.TrimSpace(r.URL.Query().Get(api.ParamClientVersion))
	if version == "" {
		version = strings.TrimSpace(r.Header.Get(api.HeaderClientVersion))
	}
	return ForVersion(version)
}

// ForVersion returns the adapter for an explicit client version token.
func ForVersion(clientVersion string) Adapter {
	if clientVersion == "" {
		return Adapter{protocol: Legacy}
	}
	return Adapter{protocol: Current, clientVersion: clientVersion}
}

// Protocol reports the adapter's protocol.
func (a Adapter) Protocol() Protocol { return a.protocol }

// ClientVersion returns the caller's version token, empty for legacy callers.
func (a Adapter) ClientVersion() string { return a.clientVersion }

func (a Adapter) names() names { return protocolNames[a.protocol] }

// Params is the protocol-neutral view of a shape request.
type Params struct {
	Table       string
	Handle      string
	Offset      string
	Live        bool
	EntityID    string
	Tags        []string
	Window      string
	SkipColumns []string
}

// Resumed reports whether the request continues an existing subscription.
func (p Params) Resumed() bool { return p.Handle != "" }

// Parse extracts Params from caller query values. The continuation handle is
// accepted under both names so callers mid-upgrade keep their subscription;
// other parameters fall back to the alternate protocol's name when the
// adapter's own name is absent.
func (a Adapter) Parse(table string, q url.Values) Params {
	own, other := a.names(), protocolNames[a.protocol^1]
	get := func(primary, secondary string) string {
		if v := strings.TrimSpace(q.Get(primary)); v != "" {
			return v
		}
		return strings.TrimSpace(q.Get(secondary))
	}
	return Params{
		Table:       table,
		Handle:      get(own.handle, other.handle),
		Offset:      strings.TrimSpace(q.Get(api.ParamOffset)),
		Live:        q.Get(api.ParamLive) == "true",
		EntityID:    get(own.entity, other.entity),
		Tags:        splitList(q.Get(api.ParamTags)),
		Window:      get(own.window, other.window),
		SkipColumns: splitList(get(own.skipColumns, other.skipColumns)),
	}
}

// HandleParam is the upstream parameter name carrying the continuation
// handle, chosen by the caller's protocol rather than the origin's.
func (a Adapter) HandleParam() string { return a.names().handle }

// TranslateHeaders rewrites origin response headers into the caller's
// protocol. Origins always answer with current names.
func (a Adapter) TranslateHeaders(h http.Header) {
	if a.protocol == Current {
		return
	}
	legacy := a.names()
	renames := map[string]string{
		api.HeaderHandle: legacy.headerHandle,
		api.HeaderOffset: legacy.headerOffset,
	}
	for from, to := range renames {
		if values, ok := h[http.CanonicalHeaderKey(from)]; ok {
			h.Del(from)
			h[http.CanonicalHeaderKey(to)] = values
		}
	}
	if exposed := h.Values("Access-Control-Expose-Headers"); len(exposed) > 0 {
		h.Del("Access-Control-Expose-Headers")
		for _, list := range exposed {
			parts := strings.Split(list, ",")
			for i, part := range parts {
				name := strings.TrimSpace(part)
				if to, ok := renames[http.CanonicalHeaderKey(name)]; ok {
					name = to
				}
				parts[i] = name
			}
			h.Add("Access-Control-Expose-Headers", strings.Join(parts, ", "))
		}
	}
}

// ResponseHandle reads the continuation handle from origin headers.
func ResponseHandle(h http.Header) string {
	return strings.TrimSpace(h.Get(api.HeaderHandle))
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := parts[:0]
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
