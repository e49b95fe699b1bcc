package cli

import (
	"github.com/javanstorm/winvm/internal/lifecycle"
	"github.com/javanstorm/winvm/internal/workspace"
	"github.com/javanstorm/winvm/pkg/hypervisor"
)

// newManager returns a lifecycle manager for ws, booting with UEFI firmware
// when the hypervisor ships one.
func (tc toolchain) newManager(ws workspace.Workspace) (*lifecycle.Manager, error) {
	driver, err := tc.driver()
	if err != nil {
		return nil, err
	}

	m := lifecycle.New(ws, driver)
	if q, ok := driver.(*hypervisor.QEMU); ok {
		if code, found := hypervisor.FindFirmware(q.Arch, q.Binary); found {
			m.Firmware = hypervisor.Firmware{Code: code}
		}
	}
	return m, nil
}
