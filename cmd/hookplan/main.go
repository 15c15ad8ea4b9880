// Command hookplan inspects object files and running processes the way the
// hook engine sees them: symbols, patch windows and relocated trampolines.
package main

func main() {
	execute()
}
