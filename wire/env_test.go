package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseEnv(t *testing.T) {
	vars := ParseEnv([]string{"FOO=bar=baz", "FOO2", "PATH=/usr/bin", "EMPTY="})
	assert.Equal(t, map[string]string{
		"FOO":   "bar=baz",
		"FOO2":  "",
		"PATH":  "/usr/bin",
		"EMPTY": "",
	}, vars)
}

func TestFormatEnv(t *testing.T) {
	envs := FormatEnv(map[string]string{"B": "2", "A": "1", "C": "x=y"})
	assert.Equal(t, []string{"A=1", "B=2", "C=x=y"}, envs)
}
