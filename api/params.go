package api

// Query parameters accepted from current clients.
const (
	ParamHandle        = "handle"
	ParamOffset        = "offset"
	ParamLive          = "live"
	ParamEntity        = "entity"
	ParamTags          = "tags"
	ParamWindow        = "window"
	ParamSkipColumns   = "skipColumns"
	ParamClientVersion = "clientVersion"
)

// Query parameters used by legacy clients, which never send a client version.
const (
	LegacyParamHandle      = "shape_id"
	LegacyParamEntity      = "run_id"
	LegacyParamWindow      = "created_at"
	LegacyParamSkipColumns = "skip_columns"
)

// Upstream query parameters understood by change-feed origins.
const (
	OriginParamTable   = "table"
	OriginParamWhere   = "where"
	OriginParamColumns = "columns"
)

// Response headers carrying the continuation handle and last-delivered
// offset. Origins always send the current names.
const (
	HeaderHandle       = "Feedgate-Handle"
	HeaderOffset       = "Feedgate-Offset"
	LegacyHeaderHandle = "Shape-Id"
	LegacyHeaderOffset = "Shape-Offset"
)

// Request headers.
const (
	HeaderClientVersion  = "X-Client-Version"
	HeaderEnvironment    = "X-Feedgate-Environment"
	HeaderOrganization   = "X-Feedgate-Organization"
	HeaderCorrelationID  = "X-Correlation-Id"
	HeaderRetryAfter     = "Retry-After"
	HeaderAdmissionLimit = "Feedgate-Concurrency-Limit"
)

// ShapesPathPrefix is the route serving shape subscriptions; the table name
// follows the prefix.
const ShapesPathPrefix = "/v1/shapes/"

// OriginShapePath is the origin endpoint the gateway calls.
const OriginShapePath = "/v1/shape"
