package banner

import (
	"bytes"
	"strings"
	"testing"

	"github.com/alekspetrov/warden/internal/config"
)

func TestStartup(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Update.Schedule = "0 3 * * *"

	var buf bytes.Buffer
	Startup(&buf, "v1.4.0", "acme/api", cfg)
	out := buf.String()

	for _, want := range []string{"WARDEN v1.4.0", "acme/api", "plan, build, request-changes", "/warden plan|build|changes", "minor (0 3 * * *)"} {
		if !strings.Contains(out, want) {
			t.Errorf("banner missing %q:\n%s", want, out)
		}
	}
}
