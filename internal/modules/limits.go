package modules

// Limits describes a provider's courtesy defaults: requests per second for
// the managed bucket and the maximum recipients per batch request.
type Limits struct {
	RequestsPerSecond int
	MaxBatchSize      int
}

// providerLimits is keyed by service name (email/sms) or module kind
// (webhook). Entries are compile-time; overrides come from send configs.
var providerLimits = map[string]Limits{
	"ses":     {RequestsPerSecond: 14, MaxBatchSize: 50},
	"resend":  {RequestsPerSecond: 100, MaxBatchSize: 100},
	"telnyx":  {RequestsPerSecond: 15, MaxBatchSize: 1},
	"webhook": {RequestsPerSecond: 20, MaxBatchSize: 100},
	"mock":    {RequestsPerSecond: 100, MaxBatchSize: 50},
}

var defaultLimits = Limits{RequestsPerSecond: 10, MaxBatchSize: 50}

// LimitsFor resolves provider limits for a service, falling back to a
// conservative default for unknown services.
func LimitsFor(service string) Limits {
	if l, ok := providerLimits[service]; ok {
		return l
	}
	return defaultLimits
}
