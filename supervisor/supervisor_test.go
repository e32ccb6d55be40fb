package supervisor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildArgs(t *testing.T) {
	args := buildArgs(9222, "/tmp/profile", "", false)

	assert.Contains(t, args, "--user-data-dir=/tmp/profile")
	assert.Contains(t, args, "--remote-debugging-port=9222")
	assert.Contains(t, args, "--window-size=1100,900")
	assert.NotContains(t, args, "--ignore-certificate-errors")
	assert.Equal(t, "about:blank", args[len(args)-1])

	for _, flag := range []string{
		"--ignore-certificate-errors",
	} {
		assert.NotContains(t, args, flag)
	}
}

func TestBuildArgsWithProxyAndIgnoreCertErrors(t *testing.T) {
	args := buildArgs(9222, "/tmp/profile", "127.0.0.1:8080", true)

	assert.Contains(t, args, "--ignore-certificate-errors")
	assert.Contains(t, args, "--proxy-server=127.0.0.1:8080")
}

func TestFetchAboutBlank(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
			{"url":"chrome://newtab/","webSocketDebuggerUrl":""},
			{"url":"about:blank","webSocketDebuggerUrl":"ws://127.0.0.1:9222/devtools/page/ABC"}
		]`))
	}))
	defer srv.Close()

	url, ok := fetchAboutBlank(context.Background(), srv.URL)
	require.True(t, ok)
	assert.Equal(t, "ws://127.0.0.1:9222/devtools/page/ABC", url)
}

func TestFetchAboutBlankNoTargetYet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"url":"chrome://newtab/","webSocketDebuggerUrl":""}]`))
	}))
	defer srv.Close()

	_, ok := fetchAboutBlank(context.Background(), srv.URL)
	assert.False(t, ok)
}

// TestSupervisorStartStop exercises a real chrome/chromium subprocess
// end to end; it's skipped unless one of the binaries findExecPath
// searches for is actually on PATH, since CI and developer machines
// aren't guaranteed to have a browser installed.
func TestSupervisorStartStop(t *testing.T) {
	if _, err := exec.LookPath(findExecPath()); err != nil {
		t.Skip("no chrome/chromium binary on PATH")
	}

	s := New(19222)
	wsURL, err := s.Start(context.Background())
	require.NoError(t, err)
	assert.Contains(t, wsURL, "ws://")

	err = s.Stop(context.Background())
	assert.NoError(t, err)
}
