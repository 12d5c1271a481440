package domain

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_CreateVMRequest(t *testing.T) {
	tests := []struct {
		name    string
		req     CreateVMRequest
		field   string
		wantErr bool
	}{
		{name: "minimal", req: CreateVMRequest{Name: "web"}},
		{name: "full", req: CreateVMRequest{Name: "web-01", CPUs: 2, Memory: "2G", Disk: "10G", Image: "24.04"}},
		{name: "fractional size", req: CreateVMRequest{Name: "db", Memory: "1.5G"}},
		{name: "missing name", req: CreateVMRequest{}, field: "name", wantErr: true},
		{name: "leading digit", req: CreateVMRequest{Name: "1web"}, field: "name", wantErr: true},
		{name: "underscore", req: CreateVMRequest{Name: "my_vm"}, field: "name", wantErr: true},
		{name: "bad memory", req: CreateVMRequest{Name: "web", Memory: "lots"}, field: "memory", wantErr: true},
		{name: "too many cpus", req: CreateVMRequest{Name: "web", CPUs: 65}, field: "cpus", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(&tt.req)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			require.Len(t, verr.Fields, 1)
			assert.Equal(t, tt.field, verr.Fields[0].Field)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestValidate_RegisterRequest(t *testing.T) {
	ok := RegisterRequest{AgentID: "a1", Hostname: "h1", APIURL: "http://10.0.0.2:8001"}
	assert.NoError(t, Validate(&ok))

	bad := RegisterRequest{AgentID: "a1", APIURL: "not a url"}
	var verr *ValidationError
	require.ErrorAs(t, Validate(&bad), &verr)
	fields := []string{}
	for _, f := range verr.Fields {
		fields = append(fields, f.Field)
	}
	assert.ElementsMatch(t, []string{"hostname", "api_url"}, fields)
}

func TestApplyDefaults(t *testing.T) {
	req := CreateVMRequest{Name: "web", CPUs: 4}
	req.ApplyDefaults()
	assert.Equal(t, CreateVMRequest{Name: "web", CPUs: 4, Memory: "1G", Disk: "5G", Image: "22.04"}, req)
}

func TestErrorKind_HTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, KindNotFound.HTTPStatus())
	assert.Equal(t, http.StatusServiceUnavailable, KindOffline.HTTPStatus())
	assert.Equal(t, http.StatusGatewayTimeout, KindTimeout.HTTPStatus())
	assert.Equal(t, http.StatusBadGateway, KindTransportError.HTTPStatus())
	assert.Equal(t, http.StatusBadGateway, KindProtocolError.HTTPStatus())
	assert.Equal(t, http.StatusBadRequest, KindInvalid.HTTPStatus())
	assert.Equal(t, http.StatusInternalServerError, KindToolError.HTTPStatus())
	assert.Equal(t, http.StatusInternalServerError, ErrorKind("").HTTPStatus())
}

func TestVMState(t *testing.T) {
	assert.Equal(t, VMRunning, NormalizeVMState(" Running "))
	assert.Equal(t, VMStopped, NormalizeVMState("Stopped").Category())
	assert.Equal(t, VMOther, NormalizeVMState("Suspended").Category())
	assert.Equal(t, "", VM{}.PrimaryIP())
	assert.Equal(t, "10.0.0.1", VM{IPv4: []string{"10.0.0.1", "172.17.0.1"}}.PrimaryIP())
}
