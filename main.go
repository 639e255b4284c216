// The main package for the guqu-crawler executable.
package main

import (
	"github.com/JakeFAU/guqu-crawler/cmd"
)

func main() {
	cmd.Execute()
}
