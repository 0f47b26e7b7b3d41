package kie

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/PresetStudio/internal/config"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(config.Config{KIEAPIKey: "secret", KIEBaseURL: srv.URL}, nil)
}

func TestSubmitSendsModelPayload(t *testing.T) {
	var got map[string]any
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/jobs/createTask", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		w.Write([]byte(`{"code":200,"msg":"ok","data":{"taskId":"task-1"}}`))
	})

	id, err := client.Submit(context.Background(), GenerateOptions{
		Model:     ModelNanoBananaPro,
		Prompt:    "portrait",
		InputURLs: []string{"https://src/a.jpg"},
	})
	require.NoError(t, err)
	assert.Equal(t, "task-1", id)
	assert.Equal(t, ModelNanoBananaPro, got["model"])
	input := got["input"].(map[string]any)
	assert.Equal(t, "png", input["output_format"])
	assert.Equal(t, []any{"https://src/a.jpg"}, input["image_input"])
}

func TestBuildPayloadFlux(t *testing.T) {
	p := buildPayload(GenerateOptions{Model: ModelFlux2Image, Prompt: "x"})
	assert.Equal(t, ModelFlux2Text, p["model"])

	p = buildPayload(GenerateOptions{Model: ModelFlux2Text, Prompt: "x", InputURLs: []string{"u"}})
	assert.Equal(t, ModelFlux2Image, p["model"])
	assert.Equal(t, []string{"u"}, p["input"].(map[string]any)["input_urls"])
}

func TestSubmitProviderError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":402,"msg":"insufficient balance"}`))
	})
	_, err := client.Submit(context.Background(), GenerateOptions{Prompt: "x"})
	assert.ErrorContains(t, err, "insufficient balance")
}

func TestPollStates(t *testing.T) {
	responses := map[string]string{
		"q":    `{"code":200,"data":{"state":"waiting"}}`,
		"r":    `{"code":200,"data":{"state":"generating"}}`,
		"ok":   `{"code":200,"data":{"state":"success","resultJson":"{\"resultUrls\":[\"https://cdn/out.png\"]}"}}`,
		"fail": `{"code":200,"data":{"state":"fail","failCode":"500","failMsg":"nsfw"}}`,
	}
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/jobs/recordInfo", r.URL.Path)
		w.Write([]byte(responses[r.URL.Query().Get("taskId")]))
	})
	ctx := context.Background()

	st, err := client.Poll(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, StateQueued, st.State)

	st, err = client.Poll(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, st.State)

	st, err = client.Poll(ctx, "ok")
	require.NoError(t, err)
	assert.Equal(t, StateDone, st.State)
	assert.Equal(t, []string{"https://cdn/out.png"}, st.ResultURLs)
	assert.NoError(t, st.Err())

	st, err = client.Poll(ctx, "fail")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, st.State)
	assert.True(t, errors.Is(st.Err(), ErrTaskFailed))
}

func TestDownloadDetectsContentType(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n0000")
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(png)
	})

	data, ct, err := client.Download(context.Background(), client.baseURL+"/file")
	require.NoError(t, err)
	assert.Equal(t, png, data)
	assert.Equal(t, "image/png", ct)
}
