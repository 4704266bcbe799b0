package device

import (
	"fmt"
	"strings"
)

type DeviceSpec map[string]string

const (
	DeviceSpecFieldName    = "name"
	DeviceSpecFieldAddress = "addr"
)

// NewDeviceSpec parses a `key=value,key=value` device description as passed
// on the command line. Malformed entries are an error rather than a skip so
// that configuration typos surface at startup.
func NewDeviceSpec(s string) (DeviceSpec, error) {
	spec := DeviceSpec{}
	entries := strings.Split(s, ",")

	for _, entry := range entries {
		parts := strings.SplitN(entry, "=", 2)

		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid device spec entry %q (want key=value)", entry)
		}

		spec[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}

	return spec, nil
}

func (ds DeviceSpec) Name() string {
	return ds[DeviceSpecFieldName]
}

func (ds DeviceSpec) Addr() string {
	return ds[DeviceSpecFieldAddress]
}

// Bool interprets the given key as a boolean flag. Absent keys are false.
func (ds DeviceSpec) Bool(key string) bool {
	v := strings.ToLower(ds[key])

	return v == "yes" || v == "true" || v == "1"
}
