package adapter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"runtime/debug"
	"strings"
	"time"
)

// VersionTimeout bounds the version query of a tool binary.
const VersionTimeout = 2 * time.Second

var reVersion = regexp.MustCompile(`\d+(?:\.\d+)+(?:[-+][0-9A-Za-z.]+)?`)

// Version runs binary with args, --version when empty, and returns the
// first version number it prints on stdout or stderr.
func Version(ctx context.Context, binary string, args ...string) (string, error) {
	if len(args) == 0 {
		args = []string{"--version"}
	}
	ctx, cancel := context.WithTimeout(ctx, VersionTimeout)
	defer cancel()

	var stderr []string
	res := Run(ctx, Command{
		Path: binary,
		Args: args,
		Env:  []string{"LC_ALL=C"},
	}, func(_ context.Context, line string) {
		stderr = append(stderr, line)
	})
	if res.Err != nil {
		return "", fmt.Errorf("%s %s: %w", binary, strings.Join(args, " "), res.Err)
	}

	var out bytes.Buffer
	if res.Stdout != nil {
		out.Write(res.Stdout.Bytes())
	}
	out.WriteString(strings.Join(stderr, "\n"))
	if v := reVersion.Find(out.Bytes()); v != nil {
		return string(v), nil
	}
	return "", errors.New("no version in the output of " + binary)
}

// ModuleVersion returns the version of a Go module linked into the binary.
func ModuleVersion(path string) string {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, dep := range bi.Deps {
		if dep.Path == path {
			if dep.Replace != nil {
				return dep.Replace.Version
			}
			return dep.Version
		}
	}
	return ""
}
