package main

import (
    "fmt"
    "os"

    "github.com/amirimatin/rabbit-autocluster/pkg/cli"
)

func main() {
    if err := cli.NewRootCommand().Execute(); err != nil {
        fmt.Fprintln(os.Stderr, "autocluster:", err)
        os.Exit(1)
    }
}
