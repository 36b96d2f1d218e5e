// Copyright Contributors to the Nublado project

// nublado-controller is the lab lifecycle controller of the Rubin Science
// Platform. It spawns and reaps per-user JupyterLab pods, manages on-demand
// user file servers, and prepulls lab images onto worker nodes.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "nublado-controller",
	Short: "Nublado - JupyterLab lifecycle controller",
	Long: `Nublado controller manages per-user JupyterLab pods on Kubernetes.

For each authenticated user it materializes a lab (namespace, config,
secrets, network policy, quota, service, and pod), tracks which lab images
exist in the remote registry, prepulls the interesting subset onto worker
nodes, and runs on-demand per-user file servers.

Example:
  nublado-controller serve --config /etc/nublado/config.yaml`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
