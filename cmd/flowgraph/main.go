// Command flowgraph runs the workflow engine as a service and validates
// YAML workflow definitions.
//
//	flowgraph serve --config flowgraph.yaml
//	flowgraph validate workflows/*.yaml
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
