// Command catalog runs the resource catalog CLI.
package main

import (
	"github.com/JakeFAU/resource-catalog/cmd"
)

func main() {
	cmd.Execute()
}
