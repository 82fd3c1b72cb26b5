package transform

import (
	"testing"

	"github.com/edgeflare/cdcnorm/pkg/cdc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilter(t *testing.T) {
	orders := orderEvent()
	customers := orderEvent()
	customers.Source.Namespace = cdc.Namespace{DB: "crm", Coll: "customers"}
	customers.EventType = "customer.upserted"

	testCases := []struct {
		name   string
		config FilterConfig
		keep   []*cdc.Event
		drop   []*cdc.Event
	}{
		{
			name:   "exact namespace",
			config: FilterConfig{Namespaces: []string{"shop.orders"}},
			keep:   []*cdc.Event{orders},
			drop:   []*cdc.Event{customers},
		},
		{
			name:   "database glob",
			config: FilterConfig{Namespaces: []string{"crm.*"}},
			keep:   []*cdc.Event{customers},
			drop:   []*cdc.Event{orders},
		},
		{
			name:   "collection without database",
			config: FilterConfig{Namespaces: []string{"cust*"}},
			keep:   []*cdc.Event{customers},
			drop:   []*cdc.Event{orders},
		},
		{
			name:   "everything but excluded",
			config: FilterConfig{Namespaces: []string{"*.*"}, ExcludeNamespaces: []string{"shop.orders"}},
			keep:   []*cdc.Event{customers},
			drop:   []*cdc.Event{orders},
		},
		{
			name:   "event types",
			config: FilterConfig{EventTypes: []string{"created"}},
			keep:   []*cdc.Event{orders},
			drop:   []*cdc.Event{customers},
		},
		{
			name:   "namespace pattern",
			config: FilterConfig{NamespacePattern: `^shop\.`},
			keep:   []*cdc.Event{orders},
			drop:   []*cdc.Event{customers},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			filter := Filter(&tc.config)
			for _, ev := range tc.keep {
				got, err := filter(ev)
				require.NoError(t, err)
				assert.Same(t, ev, got, "kept events are passed through untouched")
			}
			for _, ev := range tc.drop {
				got, err := filter(ev)
				require.NoError(t, err)
				assert.Nil(t, got)
			}
		})
	}
}

func TestFilterInvalid(t *testing.T) {
	_, err := Filter(&FilterConfig{})(orderEvent())
	assert.Error(t, err)

	_, err = Filter(&FilterConfig{NamespacePattern: "("})(orderEvent())
	assert.Error(t, err)

	_, err = Filter(&FilterConfig{EventTypes: []string{"created"}})(nil)
	assert.Error(t, err)
}
