package redenergy

import (
	"github.com/levenlabs/go-lflag"
)

// Configured returns the API selected by flags: the live client, or the demo
// mock when redenergy-mock is set.
func Configured() API {
	timeout := lflag.Duration("redenergy-timeout", DefaultTimeout, "Timeout for each request to Red Energy")
	mock := lflag.Bool("redenergy-mock", false, "Serve demo data instead of calling Red Energy")

	var p struct{ API }

	lflag.Do(func() {
		if *mock {
			p.API = NewMock()
			return
		}
		p.API = NewClient(*timeout)
	})

	return &p
}
