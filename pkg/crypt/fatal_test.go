package crypt

import (
	"errors"
	"os"
	"os/exec"
	"strings"
	"testing"
)

const fatalCaseEnv = "CRYPT_FATAL_CASE"

// fatalCases are run in a child process; each must terminate it.
var fatalCases = map[string]func(){
	"ctr-encrypt-empty": func() {
		_, _ = EncryptCTR(testKey(), testIV(CTRIVSize), nil)
	},
	"ctr-decrypt-empty": func() {
		_, _ = DecryptCTR(testKey(), testIV(CTRIVSize), []byte{})
	},
	"gcm-encrypt-empty": func() {
		_, _, _ = EncryptGCM(testKey(), testIV(GCMIVSize), []byte("aad"), nil, 16)
	},
	"gcm-decrypt-empty": func() {
		_, _ = DecryptGCM(testKey(), testIV(GCMIVSize), nil, []byte{}, make([]byte, 16))
	},
	"gcm-empty-aad": func() {
		e := NewGCMEncrypter()
		_ = e.Init(testKey(), testIV(GCMIVSize))
		_ = e.AddAAD(nil)
	},
	"ecb-empty": func() {
		_, _ = EncryptECB(testKey(), nil)
	},
	"empty-before-init": func() {
		// The precondition is checked before the state machine.
		_, _ = NewGCMEncrypter().Encrypt(nil, nil)
	},
	"recover-does-not-help": func() {
		defer func() { _ = recover() }()
		_, _ = EncryptCTR(testKey(), testIV(CTRIVSize), nil)
	},
}

func TestFatalOnEmptyInput(t *testing.T) {
	if name := os.Getenv(fatalCaseEnv); name != "" {
		fatalCases[name]()
		// Reaching here means the process survived.
		os.Exit(0)
	}

	for name := range fatalCases {
		t.Run(name, func(t *testing.T) {
			cmd := exec.Command(os.Args[0], "-test.run=^TestFatalOnEmptyInput$")
			cmd.Env = append(os.Environ(), fatalCaseEnv+"="+name)
			out, err := cmd.CombinedOutput()

			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				t.Fatalf("child exited normally (err=%v), want abnormal termination; output:\n%s", err, out)
			}
			if code := exitErr.ExitCode(); code != 2 {
				t.Errorf("exit code = %d, want 2", code)
			}
			if !strings.Contains(string(out), "crypt: fatal:") {
				t.Errorf("missing fatal diagnostic in output:\n%s", out)
			}
		})
	}
}
