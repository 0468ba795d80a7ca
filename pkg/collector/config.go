package collector

import (
	"strings"

	"github.com/levenlabs/go-lflag"

	"github.com/raterudder/redenergy/pkg/redenergy"
	"github.com/raterudder/redenergy/pkg/storage"
	"github.com/raterudder/redenergy/pkg/types"
)

// Configured returns a Collector whose credentials and selection come from
// flags.
func Configured(api redenergy.API, db storage.Database) *Collector {
	username := lflag.String("redenergy-username", "", "Red Energy account email address")
	password := lflag.String("redenergy-password", "", "Red Energy account password")
	clientID := lflag.String("redenergy-client-id", redenergy.DefaultClientID, "OAuth client ID of the Red Energy app")
	properties := lflag.String("properties", "", "comma-delimited list of property IDs to collect (empty collects all)")
	services := lflag.String("services", types.ServiceElectricity+","+types.ServiceGas, "comma-delimited list of service types to collect")
	lookback := lflag.Duration("usage-lookback", DefaultLookback, "How far back each pass fetches usage")

	c := New(api, db, types.Credentials{}, types.Selection{}, 0)

	lflag.Do(func() {
		c.configure(
			types.Credentials{
				Username: *username,
				Password: *password,
				ClientID: *clientID,
			},
			types.Selection{
				PropertyIDs: splitList(*properties),
				Services:    splitList(strings.ToLower(*services)),
			},
			*lookback,
		)
	})

	return c
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
