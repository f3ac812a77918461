// Package cgroups places unit processes in a cgroup v2 group with the
// unit's resource limits applied.
package cgroups

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	cpuPeriodMicros = 100000
	procMountinfo   = "/proc/self/mountinfo"
	realCgroupRoot  = "/sys/fs/cgroup"
	groupPrefix     = "unitd-"
)

// ResourceLimits are the limits written to a cgroup. Zero values are left
// unset.
type ResourceLimits struct {
	CPUMaxPercent  int64
	MemoryMaxBytes int64
	IOMaxBPS       int64
}

// IsSet reports whether any limit is configured.
func (l ResourceLimits) IsSet() bool {
	return l.CPUMaxPercent > 0 || l.MemoryMaxBytes > 0 || l.IOMaxBPS > 0
}

type Cgroup struct {
	name string
	path string
}

// CreateCgroup creates the group for name below root and writes limits to
// it. Unit names are used as-is, so the group of web.service is
// unitd-web.service.
func CreateCgroup(root, name string, limits *ResourceLimits) (*Cgroup, error) {
	cg := &Cgroup{
		name: name,
		path: filepath.Join(root, groupPrefix+name),
	}

	if err := os.MkdirAll(cg.path, 0755); err != nil {
		return nil, fmt.Errorf("make cgroup dir: %w", err)
	}

	if limits != nil {
		if err := cg.applyLimits(root, limits); err != nil {
			os.RemoveAll(cg.path)
			return nil, fmt.Errorf("apply cgroup limits: %w", err)
		}
	}

	return cg, nil
}

func (c *Cgroup) applyLimits(root string, limits *ResourceLimits) error {
	if limits.CPUMaxPercent > 0 {
		if err := c.setCPULimit(limits.CPUMaxPercent); err != nil {
			return fmt.Errorf("set CPU max limit: %w", err)
		}
	}

	if limits.MemoryMaxBytes > 0 {
		if err := c.setMemoryLimit(limits.MemoryMaxBytes); err != nil {
			return fmt.Errorf("set memory max limit: %w", err)
		}
	}

	// The root device is only known for the real hierarchy.
	if limits.IOMaxBPS > 0 && root == realCgroupRoot {
		if err := c.setIOLimit(limits.IOMaxBPS); err != nil {
			return fmt.Errorf("set I/O max limit: %w", err)
		}
	}

	return nil
}

func (c *Cgroup) setCPULimit(percent int64) error {
	quota := (percent * cpuPeriodMicros) / 100
	value := fmt.Sprintf("%d %d", quota, cpuPeriodMicros)

	return c.write("cpu.max", value)
}

func (c *Cgroup) setMemoryLimit(bytes int64) error {
	return c.write("memory.max", strconv.FormatInt(bytes, 10))
}

func (c *Cgroup) setIOLimit(bps int64) error {
	deviceID, err := detectRootDevice()
	if err != nil {
		return fmt.Errorf("detect root device: %w", err)
	}

	return c.write("io.max", fmt.Sprintf("%s rbps=%d wbps=%d", deviceID, bps, bps))
}

// Join moves pid into the group.
func (c *Cgroup) Join(pid int) error {
	if err := c.write("cgroup.procs", strconv.Itoa(pid)); err != nil {
		return fmt.Errorf("add process to cgroup: %w", err)
	}

	return nil
}

// Kill kills every process in the group.
func (c *Cgroup) Kill() error {
	return c.write("cgroup.kill", "1")
}

// Destroy removes the group. A group that still holds processes cannot be
// removed from the real hierarchy.
func (c *Cgroup) Destroy() error {
	if err := os.RemoveAll(c.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove cgroup: %w", err)
	}

	return nil
}

func (c *Cgroup) Name() string {
	return c.name
}

func (c *Cgroup) Path() string {
	return c.path
}

func (c *Cgroup) write(file, value string) error {
	if err := os.WriteFile(filepath.Join(c.path, file), []byte(value), 0644); err != nil {
		return fmt.Errorf("write %s: %w", file, err)
	}

	return nil
}

func detectRootDevice() (string, error) {
	mountinfo, err := os.ReadFile(procMountinfo)
	if err != nil {
		return "", fmt.Errorf("read mountinfo: %w", err)
	}

	for line := range strings.SplitSeq(string(mountinfo), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 5 {
			continue
		}

		if fields[4] == "/" {
			return fields[2], nil
		}
	}

	return "", fmt.Errorf("detect root device in %s", procMountinfo)
}

// ValidateCgroupRoot checks that root looks like a cgroup v2 hierarchy.
func ValidateCgroupRoot(root string) error {
	controllersPath := filepath.Join(root, "cgroup.controllers")
	if _, err := os.Stat(controllersPath); err != nil {
		return fmt.Errorf("cgroup root not valid at %s: %w", root, err)
	}

	return nil
}
