package cmd

import (
	"fmt"
	"io"
)

const banner = `
  _               _             _           _    
 | |__  _ __ ___ | | _____ _ __| | ___  ___| | __
 | '_ \| '__/ _ \| |/ / _ \ '__| |/ _ \/ __| |/ /
 | |_) | | | (_) |   <  __/ |  | |  __/\__ \   < 
 |_.__/|_|  \___/|_|\_\___|_|  |_|\___||___/_|\_\
`

func printBanner(w io.Writer, subtitle string) {
	fmt.Fprintf(w, "\x1b[34m%s\x1b[0m", banner)
	fmt.Fprintf(w, "\x1b[32m  %s - Version %s\x1b[0m\n\n", subtitle, Version)
}
