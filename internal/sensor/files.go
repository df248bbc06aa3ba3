package sensor

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	defaultSysfsRoot  = "/sys"
	defaultProcfsRoot = "/proc"
)

// Paths locates the kernel pseudo filesystems. Tests point them at fixture
// trees.
type Paths struct {
	Sysfs  string
	Procfs string
}

func DefaultPaths() Paths {
	return Paths{
		Sysfs:  defaultSysfsRoot,
		Procfs: defaultProcfsRoot,
	}
}

func (p Paths) sys(elem ...string) string {
	return filepath.Join(append([]string{p.Sysfs}, elem...)...)
}

func (p Paths) proc(elem ...string) string {
	return filepath.Join(append([]string{p.Procfs}, elem...)...)
}

func readString(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func readInt(path string) (int64, error) {
	s, err := readString(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(s, 10, 64)
}

func readLines(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, scanner.Err()
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
