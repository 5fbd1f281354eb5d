package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/berfenger/powerbus2mqtt/internal/core/domain"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeMaster(as *actor.ActorSystem) *actor.PID {
	active := false
	return as.Root.Spawn(actor.PropsFromFunc(func(ctx actor.Context) {
		switch ctx.Message().(type) {
		case domain.ActorHealthRequest:
			ctx.Respond(domain.ActorHealthResponse{Id: domain.ACTOR_ID_MASTER, Healthy: true})
		case domain.GetBusHealthRequest:
			ctx.Respond(domain.GetBusHealthResponse{Health: domain.BusHealth{BytesWritten: 42, BytesRead: 21}})
		case domain.StartAddressModeRequest:
			active = true
			ctx.Respond(domain.AddressModeResponse{Active: active})
		case domain.StopAddressModeRequest:
			active = false
			ctx.Respond(domain.AddressModeResponse{Active: active})
		case domain.GetAddressModeRequest:
			ctx.Respond(domain.GetAddressModeResponse{Active: active})
		}
	}))
}

func TestRoutes(t *testing.T) {

	require := require.New(t)

	as := actor.NewActorSystem()
	defer as.Shutdown()
	s := &Server{rootContext: as.Root, masterActor: fakeMaster(as)}
	handler := s.RegisterRoutes()

	do := func(method, path, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		if body != "" {
			req.Header.Set("Content-Type", "application/json")
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	rec := do(http.MethodGet, "/healthcheck", "")
	require.Equal(http.StatusOK, rec.Code)
	assert.Equal(t, "health_check: OK", rec.Body.String())

	rec = do(http.MethodGet, "/bus/health", "")
	require.Equal(http.StatusOK, rec.Code)
	var health domain.BusHealth
	require.NoError(json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, uint64(42), health.BytesWritten)

	rec = do(http.MethodPost, "/bus/address_mode", `{"enable": true}`)
	require.Equal(http.StatusOK, rec.Code)
	var status addressModeStatus
	require.NoError(json.Unmarshal(rec.Body.Bytes(), &status))
	assert.True(t, status.Active)

	rec = do(http.MethodGet, "/bus/address_mode", "")
	require.Equal(http.StatusOK, rec.Code)
	require.NoError(json.Unmarshal(rec.Body.Bytes(), &status))
	assert.True(t, status.Active)

	rec = do(http.MethodPost, "/bus/address_mode", `{"enable": false}`)
	require.Equal(http.StatusOK, rec.Code)
	require.NoError(json.Unmarshal(rec.Body.Bytes(), &status))
	assert.False(t, status.Active)
}
