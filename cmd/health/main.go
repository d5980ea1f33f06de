package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/valyala/fasthttp"
)

// Container health probe: GET the server's liveness endpoint and exit
// zero on a 200 response. Meant for images without curl installed.
func main() {
	url := flag.String("url", "http://127.0.0.1:8080/healthz", "liveness endpoint to probe")
	timeout := flag.Duration("timeout", 2*time.Second, "probe timeout")
	flag.Parse()

	status, body, err := fasthttp.GetTimeout(nil, *url, *timeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "probe failed: %v\n", err)
		os.Exit(1)
	}
	if status != fasthttp.StatusOK {
		fmt.Fprintf(os.Stderr, "unhealthy: status=%d body=%s\n", status, string(body))
		os.Exit(1)
	}
	fmt.Println(string(body))
}
