//go:build !unix

package crawler

import "os"

func shutdownSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}

func signalName(sig os.Signal) string {
	if sig == os.Interrupt {
		return "SIGINT"
	}
	return sig.String()
}
