package configtypes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseListenAddress(t *testing.T) {
	tests := []struct {
		name     string
		listen   string
		wantHost string
		wantPort int
		wantErr  bool
	}{
		{name: "port only with colon", listen: ":8080", wantPort: 8080},
		{name: "port only without colon", listen: "8080", wantPort: 8080},
		{name: "localhost", listen: "localhost:9090", wantHost: "localhost", wantPort: 9090},
		{name: "all interfaces", listen: "0.0.0.0:3000", wantHost: "0.0.0.0", wantPort: 3000},
		{name: "ipv6", listen: "[::1]:3000", wantHost: "::1", wantPort: 3000},
		{name: "empty", listen: "", wantErr: true},
		{name: "garbage", listen: "abc", wantErr: true},
		{name: "non-numeric port", listen: "localhost:http", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, port, err := ParseListenAddress(tt.listen)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantHost, host)
			assert.Equal(t, tt.wantPort, port)
		})
	}
}

func TestValidateListenAddress(t *testing.T) {
	assert.NoError(t, ValidateListenAddress(":3000"))
	assert.Error(t, ValidateListenAddress(":0"))
	assert.Error(t, ValidateListenAddress(":70000"))
	assert.Error(t, ValidateListenAddress(""))
}

func TestOffsetListen(t *testing.T) {
	got, err := OffsetListen(":9100", 2)
	require.NoError(t, err)
	assert.Equal(t, ":9102", got)

	got, err = OffsetListen("127.0.0.1:9100", 0)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9100", got)

	_, err = OffsetListen(":65535", 1)
	assert.Error(t, err)
}
