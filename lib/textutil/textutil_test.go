package textutil

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeName(t *testing.T) {
	testCases := []struct {
		input    string
		expected string
	}{
		{"Åsa  Lindström", "asa lindstrom"},
		{"  Bob\tBuilder \n", "bob builder"},
		{"ÉLODIE", "elodie"},
		{"", ""},
		{"already normal", "already normal"},
	}

	for _, test := range testCases {
		require.Equal(t, test.expected, NormalizeName(test.input), "input: %q", test.input)
	}
}

func TestSanitizeFilename(t *testing.T) {
	testCases := []struct {
		input    string
		expected string
	}{
		{"report.pdf", "report.pdf"},
		{"../../etc/passwd", "etc_passwd"},
		{"lab 1 (final).zip", "lab_1_final_.zip"},
		{"sub\\mission.tar.gz", "sub_mission.tar.gz"},
	}

	for _, test := range testCases {
		require.Equal(t, test.expected, SanitizeFilename(test.input), "input: %q", test.input)
	}
}
