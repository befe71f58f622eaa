// Command schedlock runs scheduled tasks that execute on at most one replica at a time.
package main

import "github.com/nimburion/schedlock/pkg/cli"

func main() {
	cli.Execute(cli.NewCommand(cli.Options{
		Name:        "schedlock",
		Description: "Distributed scheduler lock coordinator",
		EnvPrefix:   "SCHEDLOCK",
	}))
}
