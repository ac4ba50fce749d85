// Command bootstrap is the custom runtime entry point. Lambda starts it with
// the handler specifier in _HANDLER and the Runtime API address in
// AWS_LAMBDA_RUNTIME_API.
package main

import (
	"os"

	"github.com/gurre/scriptlambda/bootstrap"
)

func main() {
	os.Exit(bootstrap.Main())
}
