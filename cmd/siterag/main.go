// Package main is the siterag executable.
package main

import "github.com/JakeFAU/siterag/cmd"

func main() {
	cmd.Execute()
}
