package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/gwy15/ddpanel"
	"github.com/gwy15/ddpanel/archive"
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: %s <command> -i ARCHIVE -r ROOM [-o OUTPUT]

commands:
  export-danmu    export chat messages of a room as a JSON array
  popularity      estimate the five-minute unique chatter count
`, os.Args[0])
	os.Exit(2)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	cmd := os.Args[1]
	if cmd != "export-danmu" && cmd != "popularity" {
		usage()
	}

	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	input := fs.String("i", "", "input archive (.json or .json.gz)")
	output := fs.String("o", "output.json", "output file")
	room := fs.Uint64("r", 0, "room id")
	fs.Parse(os.Args[2:])
	if *input == "" || *room == 0 {
		fs.Usage()
		os.Exit(2)
	}

	log, err := ddpanel.NewLogger("info", true)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	scanner, closer, err := archive.Open(*input)
	if err != nil {
		log.Fatal().Err(err).Msg("open archive")
	}
	defer closer.Close()
	log.Info().Str("input", *input).Msg("reading archive")

	var result any
	switch cmd {
	case "export-danmu":
		messages, err := archive.ExportDanmu(scanner, *room)
		if err != nil {
			log.Fatal().Err(err).Msg("export danmu")
		}
		log.Info().Int("messages", len(messages)).Msg("export finished")
		result = messages
	case "popularity":
		points, err := archive.EstimatePopularity(scanner, *room, archive.DefaultResolution)
		if err != nil {
			log.Fatal().Err(err).Msg("estimate popularity")
		}
		log.Info().Int("points", len(points)).Msg("estimate finished")
		result = points
	}

	data, err := json.Marshal(result)
	if err != nil {
		log.Fatal().Err(err).Msg("serialize result")
	}
	if err := os.WriteFile(*output, data, 0o644); err != nil {
		log.Fatal().Err(err).Msg("write output")
	}
	log.Info().Str("output", *output).Msg("done")
}
