// Package static serves fixed tier content.
package static

import (
	"context"
	"time"

	"github.com/vitwit/x402gate/resource"
)

// Content is the body returned by a static resource.
type Content struct {
	Tier      string `json:"tier"`
	Data      string `json:"data"`
	Timestamp string `json:"timestamp"`
}

type Resource struct {
	tier string
	data string
	now  func() time.Time
}

func New(tier, data string) *Resource {
	return &Resource{tier: tier, data: data, now: time.Now}
}

func (r *Resource) Execute(_ context.Context, _ *resource.Request) (*resource.Result, error) {
	return &resource.Result{
		Body: Content{
			Tier:      r.tier,
			Data:      r.data,
			Timestamp: r.now().UTC().Format(time.RFC3339),
		},
	}, nil
}
