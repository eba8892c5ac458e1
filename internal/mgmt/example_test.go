package mgmt_test

import (
	"fmt"

	"github.com/vpnops/openvpn-session-kill/internal/mgmt"
)

func ExampleIsSuccess() {
	fmt.Println(mgmt.IsSuccess("SUCCESS: 1 client(s) at address 198.51.100.7:4432 killed"))
	fmt.Println(mgmt.IsSuccess("ERROR: client at address 198.51.100.7:4432 not found"))
	// Output:
	// true
	// false
}

func ExampleErrorText() {
	fmt.Println(mgmt.ErrorText("ERROR: common name 'ghost' not found"))
	// Output:
	// common name 'ghost' not found
}
