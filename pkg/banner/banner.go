package banner

import (
	"fmt"

	"pingo/pkg/config"
)

const banner = `
██████╗ ██╗███╗   ██╗ ██████╗  ██████╗
██╔══██╗██║████╗  ██║██╔════╝ ██╔═══██╗
██████╔╝██║██╔██╗ ██║██║  ███╗██║   ██║
██╔═══╝ ██║██║╚██╗██║██║   ██║██║   ██║
██║     ██║██║ ╚████║╚██████╔╝╚██████╔╝
╚═╝     ╚═╝╚═╝  ╚═══╝ ╚═════╝  ╚═════╝
`

// PrintWithEff prints the startup banner using an EffectiveConfigResult
// so gateway endpoints and the config source show up centrally.
func PrintWithEff(eff config.EffectiveConfigResult, version string) {
	src := eff.Source
	if src == "" {
		src = "defaults"
	}

	fmt.Print(banner)
	fmt.Println("== Config =====================================================")
	fmt.Printf("WS:       %s\n", eff.WSURL)
	fmt.Printf("API:      %s\n", eff.APIURL)
	if version != "" {
		fmt.Printf("Version:  %s\n", version)
	}
	fmt.Printf("Config source: %s\n", src)
	if addr := eff.Config.Diagnostics.Addr; addr != "" {
		fmt.Println("\n== Diagnostics ================================================")
		fmt.Printf("GET http://%s/healthz - liveness\n", addr)
		fmt.Printf("GET http://%s/readyz  - session connectivity\n", addr)
		fmt.Printf("GET http://%s/metrics - prometheus metrics\n", addr)
	}
	fmt.Println("\n== Commands ===================================================")
	fmt.Println("/join <server> <channel>  activate a channel")
	fmt.Println("/dm <conversation>        open a direct conversation")
	fmt.Println("/leave                    disconnect")
	fmt.Println("/quit                     exit")
	fmt.Println("anything else is sent to the active chat")
	fmt.Println()
}
