package root

import (
	"github.com/edgewarden/edgewarden/apps/cli/cmd/authz"
	schemacmd "github.com/edgewarden/edgewarden/apps/cli/cmd/schema"
)

func init() {
	Root().AddCommand(authz.Command())
	Root().AddCommand(schemacmd.Command())
}
