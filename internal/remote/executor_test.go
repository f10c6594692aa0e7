package remote

import (
	"reflect"
	"testing"

	"github.com/kballard/go-shellquote"
)

func TestCommandLineQuotesEveryArgument(t *testing.T) {
	cmd := Cmd("docker", "rm", "-f", "app; rm -rf /", "$(reboot)", "it's").In("/var/lib/peep/builds/dir with space")
	words, err := shellquote.Split(cmd.Line())
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	want := []string{"cd", "/var/lib/peep/builds/dir with space", "&&", "docker", "rm", "-f", "app; rm -rf /", "$(reboot)", "it's"}
	if !reflect.DeepEqual(words, want) {
		t.Fatalf("unexpected words\n got: %q\nwant: %q", words, want)
	}
}

func TestShellPassesValuesPositionally(t *testing.T) {
	script := `pg_dump -U "$1" "$2" | gzip > "$3"`
	cmd := Shell(script, "admin", "db$(reboot)", "/backups/x.sql.gz")
	want := []string{"sh", "-c", script, "sh", "admin", "db$(reboot)", "/backups/x.sql.gz"}
	if !reflect.DeepEqual(cmd.Args, want) {
		t.Fatalf("unexpected args %q", cmd.Args)
	}
	words, err := shellquote.Split(cmd.Line())
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if !reflect.DeepEqual(words, want) {
		t.Fatalf("line does not round trip: %q", words)
	}
}

func TestCommandStringTruncates(t *testing.T) {
	if got := Cmd("docker", "run", "-d", "--name", "x").String(); got != "docker run -d ..." {
		t.Fatalf("unexpected string %q", got)
	}
	if got := Cmd("docker", "ps").String(); got != "docker ps" {
		t.Fatalf("unexpected string %q", got)
	}
}
