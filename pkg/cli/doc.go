/*
Package cli provides shared helpers for the quotawatch command.

Output Formatting:

Commands that support --output render through a Formatter so the same
payload can go out as a human table or machine-readable JSON:

	formatter, err := cli.NewFormatter(cli.Format(outputFlag))
	if err != nil {
		return err
	}
	return formatter.FormatTo(os.Stdout, records)

Signal Handling:

The run command derives its lifetime from a signal-cancelled context:

	ctx, stop := cli.SignalContext()
	defer stop()
	return agent.Run(ctx)
*/
package cli
