// Command browsedriver is a thin smoke-test CLI around the pool and
// driver packages: it acquires a driver, browses one URL, and prints the
// outlinks it discovered. It is not part of the crawler's own CLI
// surface; it exists purely as ambient tooling to exercise the module
// by hand.
package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/iipc/go-archiving-browser/driver"
	"github.com/iipc/go-archiving-browser/pool"
	"github.com/iipc/go-archiving-browser/supervisor"
)

var (
	execPath         string
	basePort         int
	ignoreCertErrors bool
	proxy            string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "browsedriver [url]",
		Short: "Browse one page with a pooled Chrome DevTools driver and print its outlinks",
		Args:  cobra.ExactArgs(1),
		RunE:  runBrowse,
	}
	root.Flags().StringVar(&execPath, "exec-path", "", "path to the chrome/chromium executable (default: search PATH)")
	root.Flags().IntVar(&basePort, "base-port", pool.DefaultBasePort, "debug port for the single driver in this pool")
	root.Flags().BoolVar(&ignoreCertErrors, "ignore-cert-errors", false, "ignore TLS certificate errors")
	root.Flags().StringVar(&proxy, "proxy", "", "upstream proxy in HOST:PORT form")
	return root
}

func runBrowse(cmd *cobra.Command, args []string) error {
	url := args[0]

	var supervisorOpts []supervisor.Option
	if execPath != "" {
		supervisorOpts = append(supervisorOpts, supervisor.WithExecPath(execPath))
	}
	if ignoreCertErrors {
		supervisorOpts = append(supervisorOpts, supervisor.WithIgnoreCertErrors(true))
	}
	if proxy != "" {
		supervisorOpts = append(supervisorOpts, supervisor.WithProxy(proxy))
	}

	p := pool.New(1, pool.WithBasePort(basePort), pool.WithDriverOptions(
		driver.WithSupervisorOptions(supervisorOpts...),
	))

	d, err := p.Acquire()
	if err != nil {
		return err
	}
	defer p.Release(d)
	defer d.Stop(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Minute)
	defer cancel()

	outlinks, err := d.BrowsePage(ctx, url,
		func(message []byte) {
			logrus.WithField("message", string(message)).Debug("request")
		},
		func(png []byte) {
			logrus.WithField("bytes", len(png)).Info("screenshot captured")
		},
		func(newURL string) {
			logrus.WithField("url", newURL).Info("document URL changed")
		},
	)
	if err != nil {
		return err
	}

	links := make([]string, 0, len(outlinks))
	for link := range outlinks {
		links = append(links, link)
	}
	sort.Strings(links)
	for _, link := range links {
		fmt.Println(link)
	}
	return nil
}
