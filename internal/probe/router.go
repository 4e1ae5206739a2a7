package probe

import (
	"context"

	"github.com/JakeFAU/resource-catalog/internal/catalog"
)

// Router sends subscription links to the HTTP prober and every other
// protocol to the engine prober.
type Router struct {
	Subscriptions catalog.Prober
	Proxies       catalog.Prober
}

var _ catalog.Prober = Router{}

// Probe dispatches on res.Protocol.
func (r Router) Probe(ctx context.Context, res catalog.Resource) catalog.ProbeResult {
	if res.Protocol.IsSubscription() {
		return r.Subscriptions.Probe(ctx, res)
	}
	return r.Proxies.Probe(ctx, res)
}
