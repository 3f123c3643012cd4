package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeycumines/modsandbox/internal/introspect"
	"github.com/joeycumines/modsandbox/internal/lifecycle"
	"github.com/joeycumines/modsandbox/internal/module"
	"github.com/joeycumines/modsandbox/internal/router"
	"github.com/joeycumines/modsandbox/internal/session"
	"github.com/joeycumines/modsandbox/internal/token"
	"github.com/joeycumines/modsandbox/internal/workspace"
)

const pulseModule = `/**
 * @visual name: Pulse
 * @visual category: fx
 * @visual imports: ModuleBase
 */
class Pulse extends ModuleBase {
	rate({ bpm }) { return bpm * 2; }
}
Pulse.methods = [{ name: 'rate', options: [{ name: 'bpm', type: 'number', defaultVal: 60, max: 200 }] }];
module.exports = Pulse;
`

const projectYAML = `sets:
  - id: live
    tracks:
      - id: one
        modules:
          - module: fx/Pulse
`

func newServer(t *testing.T) (*httptest.Server, *session.Stack) {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "modules", "fx"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "assets"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "modules", "fx", "Pulse.js"), []byte(pulseModule), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "assets", "logo.txt"), []byte("logo"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "project.yaml"), []byte(projectYAML), 0o644))
	ws, err := workspace.Open(root, workspace.Options{})
	require.NoError(t, err)
	stack, err := session.NewStack(session.StackConfig{Workspace: ws, RequestTimeout: 2 * time.Second})
	require.NoError(t, err)
	srv := httptest.NewServer(NewHandler(Options{
		Sessions:  stack.Manager,
		Catalog:   ws,
		AssetsDir: filepath.Join(root, "assets"),
	}))
	t.Cleanup(func() {
		srv.Close()
		_ = stack.Close(context.Background())
	})
	return srv, stack
}

func do(t *testing.T, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, rdr)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func TestServer_SessionFlow(t *testing.T) {
	srv, stack := newServer(t)

	resp, body := do(t, http.MethodPost, srv.URL+"/session", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var tok tokenResponse
	require.NoError(t, json.Unmarshal(body, &tok))
	assert.True(t, stack.Tokens.IsCurrent(tok.Token))

	resp, body = do(t, http.MethodPost, srv.URL+"/session/"+tok.Token+"/request", messageRequest{
		Kind: router.KindPreviewModule,
		Props: map[string]any{
			"moduleId":  "fx/Pulse",
			"requestId": "r-1",
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var reply router.Message
	require.NoError(t, json.Unmarshal(body, &reply))
	assert.Equal(t, router.KindPreviewModuleReady, reply.Kind)
	assert.Equal(t, "r-1", reply.RequestID)
	assert.Equal(t, module.ID("fx/Pulse"), reply.ModuleID)

	resp, _ = do(t, http.MethodPost, srv.URL+"/session/stale/request", messageRequest{Kind: router.KindPreviewModule})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = do(t, http.MethodDelete, srv.URL+"/session/"+tok.Token, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = do(t, http.MethodDelete, srv.URL+"/session/"+tok.Token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_ActivateAndInvoke(t *testing.T) {
	srv, _ := newServer(t)

	resp, body := do(t, http.MethodPost, srv.URL+"/activate", activateRequest{SetID: "live", TrackID: "one"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var snap snapshotResponse
	require.NoError(t, json.Unmarshal(body, &snap))
	assert.Equal(t, "live", snap.State)
	require.Len(t, snap.Instances, 1)

	resp, body = do(t, http.MethodGet, srv.URL+"/current", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cur snapshotResponse
	require.NoError(t, json.Unmarshal(body, &cur))
	assert.Equal(t, snap.Token, cur.Token)

	resp, body = do(t, http.MethodPost, srv.URL+"/instances/"+snap.Instances[0].InstanceID+"/invoke", invokeRequest{
		Method:  "rate",
		Options: map[string]any{"bpm": 500},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var inv invokeResponse
	require.NoError(t, json.Unmarshal(body, &inv))
	assert.EqualValues(t, 400, inv.Result)

	resp, _ = do(t, http.MethodPost, srv.URL+"/instances/"+snap.Instances[0].InstanceID+"/invoke", invokeRequest{Method: "missing"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, srv.URL+"/activate", activateRequest{SetID: "live", TrackID: "nope"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_IntrospectionAndPreview(t *testing.T) {
	srv, _ := newServer(t)

	resp, body := do(t, http.MethodGet, srv.URL+"/introspection/fx/Pulse", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var res module.Introspection
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Equal(t, "Pulse", res.Name)
	require.Len(t, res.Methods, 1)
	assert.Equal(t, "rate", res.Methods[0].Name)

	do(t, http.MethodGet, srv.URL+"/introspection/fx/Pulse", nil)
	resp, body = do(t, http.MethodGet, srv.URL+"/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats introspect.Stats
	require.NoError(t, json.Unmarshal(body, &stats))
	assert.Equal(t, introspect.Stats{Hits: 1, Loads: 1, Validations: 1}, stats)

	resp, _ = do(t, http.MethodGet, srv.URL+"/introspection/fx/Missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = do(t, http.MethodPost, srv.URL+"/preview/fx/Pulse", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, body = do(t, http.MethodPost, srv.URL+"/preview/fx/Pulse", previewRequest{Source: "module.exports = 3"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Contains(t, string(body), "not a class")
}

func TestServer_CatalogAndAssets(t *testing.T) {
	srv, _ := newServer(t)

	resp, body := do(t, http.MethodGet, srv.URL+"/modules", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var ids []module.ID
	require.NoError(t, json.Unmarshal(body, &ids))
	assert.Equal(t, []module.ID{"fx/Pulse"}, ids)

	resp, body = do(t, http.MethodGet, srv.URL+"/project", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var p workspace.Project
	require.NoError(t, json.Unmarshal(body, &p))
	require.Len(t, p.Sets, 1)
	assert.Equal(t, "live", p.Sets[0].ID)

	resp, body = do(t, http.MethodGet, srv.URL+"/assets/logo.txt", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "logo", string(body))
}

func TestServer_Tokens(t *testing.T) {
	srv, stack := newServer(t)

	resp, _ := do(t, http.MethodPost, srv.URL+"/tokens/ext", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.True(t, stack.Tokens.IsCurrent("ext"))

	resp, _ = do(t, http.MethodDelete, srv.URL+"/tokens/ext", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.False(t, stack.Tokens.IsRegistered("ext"))
}

func TestServer_BadRequests(t *testing.T) {
	srv, _ := newServer(t)

	resp, _ := do(t, http.MethodPost, srv.URL+"/activate", map[string]any{"bogus": true})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, srv.URL+"/session/x/request", messageRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, http.MethodGet, srv.URL+"/introspection/../etc/passwd", nil)
	assert.NotEqual(t, http.StatusOK, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	for _, tc := range []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", workspace.ErrModuleNotFound), http.StatusNotFound},
		{session.ErrUnknownSession, http.StatusNotFound},
		{fmt.Errorf("%w: t", token.ErrUnauthorized), http.StatusForbidden},
		{router.ErrTimeout, http.StatusGatewayTimeout},
		{lifecycle.ErrSuperseded, http.StatusConflict},
		{&router.RemoteError{Kind: router.KindInvokeMethodResult, Reason: "boom"}, http.StatusUnprocessableEntity},
		{&lifecycle.ProvisioningError{Token: "t", Err: errors.New("spawn")}, http.StatusBadGateway},
		{errors.New("other"), http.StatusInternalServerError},
	} {
		assert.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}
