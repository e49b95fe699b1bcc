package provision

import (
	"fmt"

	"github.com/javanstorm/winvm/internal/download"
	"github.com/javanstorm/winvm/internal/locale"
	"github.com/javanstorm/winvm/internal/workspace"
	"github.com/javanstorm/winvm/pkg/hypervisor"
)

// CommandName is used in recovery instructions.
var CommandName = "winvm"

func vendorSteps(ws workspace.Workspace, lang locale.Language, arch hypervisor.Arch) []string {
	build := "64-bit"
	if arch == hypervisor.ArchARM64 {
		build = "Arm64"
	}
	return []string{
		"Open " + download.PageURL(arch) + " in a browser.",
		fmt.Sprintf("Select the Windows 11 multi-edition ISO, language %q, and download the %s image.", lang.DownloadName, build),
		fmt.Sprintf("Run: %s download %s --installer <downloaded .iso>", CommandName, ws.Dir),
		"The image is stored as " + ws.Path(workspace.InstallerImage) + ".",
	}
}

func fetchSteps(url, dst string) []string {
	return []string{
		"Download " + url + " manually.",
		"Save it as " + dst + " and run the stage again.",
	}
}

func patchSteps(ws workspace.Workspace) []string {
	return []string{
		"The installer's boot loader does not match the known layout, so it was not patched.",
		fmt.Sprintf("Run: %s download %s --skip-patch", CommandName, ws.Dir),
		`During first-boot press a key when "Press any key to boot from CD or DVD" appears.`,
	}
}

func pinSteps(ws workspace.Workspace, sum string) []string {
	return []string{
		"The installer carries a no-prompt boot payload with sha256 " + sum + ", which is not pinned.",
		"Compare it with efi/microsoft/boot/efisys_noprompt.bin from an installer or Windows ADK you trust.",
		fmt.Sprintf("If it matches, run: %s download %s --payload-sha256 %s", CommandName, ws.Dir, sum),
		fmt.Sprintf("Otherwise run: %s download %s --skip-patch", CommandName, ws.Dir),
	}
}
