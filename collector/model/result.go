package model

import (
	"errors"
	"fmt"

	"github.com/ocleanx/go-oclean-exporter/device"
)

type Result struct {
	Update device.Update
	Error  error
}

func (c Result) String() string {
	if c.Error != nil {
		return fmt.Sprintf("result:error(%v)", c.Error)
	} else {
		return fmt.Sprintf("result:success(%v)", c.Update)
	}
}

// Merge combines the outcomes of the passive and the connected path for the
// same device into one result.
func (c Result) Merge(other Result) Result {
	return Result{
		Update: c.Update.Merge(other.Update),
		Error:  errors.Join(c.Error, other.Error),
	}
}

type DeviceResult struct {
	device.Device
	Result
}
