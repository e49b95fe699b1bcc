//go:build unix

package hypervisor

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

// fakeQEMU writes an executable that records its arguments and exits with
// code. When invoked with -pidfile it writes its own pid there.
func fakeQEMU(t *testing.T, code int) (bin, argsFile string) {
	t.Helper()

	dir := t.TempDir()
	bin = filepath.Join(dir, "qemu-system-x86_64")
	argsFile = filepath.Join(dir, "args")

	script := `#!/bin/sh
printf '%s\n' "$@" > "` + argsFile + `"
while [ $# -gt 0 ]; do
	if [ "$1" = "-pidfile" ]; then echo $$ > "$2"; fi
	shift
done
echo "fake qemu"
exit ` + strconv.Itoa(code) + `
`
	if err := os.WriteFile(bin, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake binary: %v", err)
	}
	return bin, argsFile
}

func TestQEMURun(t *testing.T) {
	bin, argsFile := fakeQEMU(t, 0)
	var stdout bytes.Buffer
	q := &QEMU{Binary: bin, Stdout: &stdout, Stderr: &stdout}

	cfg := testConfig()
	cfg.DiskPath = filepath.Join(t.TempDir(), "disk.img")
	if err := q.Run(context.Background(), cfg); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	recorded, err := os.ReadFile(argsFile)
	if err != nil {
		t.Fatalf("read recorded args: %v", err)
	}
	if !strings.Contains(string(recorded), "q35,accel=kvm") {
		t.Errorf("recorded args missing machine: %s", recorded)
	}
	if !strings.Contains(stdout.String(), "fake qemu") {
		t.Errorf("stdout = %q", stdout.String())
	}
}

func TestQEMUStartWritesPIDFile(t *testing.T) {
	bin, _ := fakeQEMU(t, 0)
	q := &QEMU{Binary: bin, Stdout: &bytes.Buffer{}, Stderr: &bytes.Buffer{}}

	dir := t.TempDir()
	cfg := testConfig()
	cfg.DiskPath = filepath.Join(dir, "disk.img")
	cfg.PIDFile = filepath.Join(dir, "qemu.pid")

	if err := q.Start(context.Background(), cfg); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if cfg.Display != Headless {
		t.Error("Start() should run headless")
	}
	data, err := os.ReadFile(cfg.PIDFile)
	if err != nil {
		t.Fatalf("pid file not written: %v", err)
	}
	if strings.TrimSpace(string(data)) == "" {
		t.Error("pid file is empty")
	}
}

func TestQEMUExitCodes(t *testing.T) {
	tests := []struct {
		code    int
		meaning string
	}{
		{1, "execution error"},
		{2, "I/O error"},
		{3, "bad configuration"},
		{7, "unknown error"},
	}

	for _, tt := range tests {
		t.Run(tt.meaning, func(t *testing.T) {
			bin, _ := fakeQEMU(t, tt.code)
			q := &QEMU{Binary: bin, Stdout: &bytes.Buffer{}, Stderr: &bytes.Buffer{}}

			cfg := testConfig()
			cfg.DiskPath = filepath.Join(t.TempDir(), "disk.img")
			err := q.Run(context.Background(), cfg)

			var exitErr *ExitError
			if !errors.As(err, &exitErr) {
				t.Fatalf("Run() error = %v, want *ExitError", err)
			}
			if exitErr.Code != tt.code {
				t.Errorf("Code = %d, want %d", exitErr.Code, tt.code)
			}
			if exitErr.Meaning() != tt.meaning {
				t.Errorf("Meaning() = %q, want %q", exitErr.Meaning(), tt.meaning)
			}
			if !errors.Is(err, ErrExited) {
				t.Error("ExitError should match ErrExited")
			}
			if !strings.Contains(err.Error(), "code") {
				t.Errorf("message should include the code: %q", err.Error())
			}
		})
	}
}

func TestQEMUMissingBinary(t *testing.T) {
	q := &QEMU{Binary: filepath.Join(t.TempDir(), "missing")}
	cfg := testConfig()
	cfg.DiskPath = filepath.Join(t.TempDir(), "disk.img")

	err := q.Run(context.Background(), cfg)
	if err == nil {
		t.Fatal("expected error for missing binary")
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		t.Errorf("missing binary reported as exit status: %v", err)
	}
}

func TestFindFirmwareNextToBinary(t *testing.T) {
	for _, arch := range []Arch{ArchAMD64, ArchARM64} {
		t.Run(string(arch), func(t *testing.T) {
			prefix := t.TempDir()
			code := filepath.Join(prefix, "share", "qemu", "edk2-"+arch.QEMUName()+"-code.fd")
			if err := os.MkdirAll(filepath.Dir(code), 0o755); err != nil {
				t.Fatal(err)
			}
			if err := os.WriteFile(code, nil, 0o644); err != nil {
				t.Fatal(err)
			}

			got, ok := FindFirmware(arch, filepath.Join(prefix, "bin", arch.BinaryNames()[0]))
			if !ok || got != code {
				t.Errorf("FindFirmware() = %q, %v; want %q", got, ok, code)
			}
		})
	}
}

func TestQEMUFillsInArch(t *testing.T) {
	bin, argsFile := fakeQEMU(t, 0)
	q := &QEMU{Binary: bin, Arch: ArchARM64, Stdout: &bytes.Buffer{}, Stderr: &bytes.Buffer{}}

	cfg := testConfig()
	cfg.Arch = ""
	cfg.Accelerator = "kvm"
	cfg.Firmware = Firmware{Code: "/fw/code.fd"}
	cfg.DiskPath = filepath.Join(t.TempDir(), "disk.img")
	if err := q.Run(context.Background(), cfg); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	recorded, err := os.ReadFile(argsFile)
	if err != nil {
		t.Fatalf("read recorded args: %v", err)
	}
	if !strings.Contains(string(recorded), "virt,accel=kvm") {
		t.Errorf("recorded args missing virt machine: %s", recorded)
	}
}

func TestNewQEMUUnsupportedArch(t *testing.T) {
	if _, err := NewQEMU("mips"); !errors.Is(err, ErrUnsupportedArch) {
		t.Errorf("NewQEMU() error = %v, want ErrUnsupportedArch", err)
	}
}
