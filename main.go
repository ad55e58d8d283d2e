package main

import (
	"fmt"
	"os"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "speakers: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		printUsage()
		return nil
	}

	switch args[0] {
	case "work":
		return runWork(args[1:])
	case "submit":
		return runSubmit(args[1:])
	case "reprocess":
		return runReprocess(args[1:])
	case "status":
		return runStatus(args[1:])
	case "transcript":
		return runTranscript(args[1:])
	case "help", "-h", "--help":
		printUsage()
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func printUsage() {
	fmt.Println("speakers: speaker diarization and transcription queue")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  work        claim queued jobs and process them until interrupted")
	fmt.Println("  submit      ingest a recording and queue a job for it")
	fmt.Println("  reprocess   queue a new job for an existing recording")
	fmt.Println("  status      print a job and its recording")
	fmt.Println("  transcript  print a recording's speaker segments")
	fmt.Println()
	fmt.Println("Every command accepts --config <file>; SPEAKERS_* environment variables override it.")
}
